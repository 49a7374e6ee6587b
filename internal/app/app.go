package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"c4e-agent/internal/alerting"
	"c4e-agent/internal/config"
	"c4e-agent/internal/decision"
	"c4e-agent/internal/metrics"
	"c4e-agent/internal/oracle"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/scheduler"
	"c4e-agent/internal/server"
	"c4e-agent/internal/service"
	"c4e-agent/internal/storage"
)

// App wires configuration into runnable commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs the application container used by the CLI layer.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newEngine() *decision.Engine {
	return decision.NewEngine(a.Config.Decision.ToParams())
}

func (a *App) newProvider() *prices.Provider {
	var source prices.Source
	if a.Config.Prices.URL != "" {
		source = prices.NewRemoteSource(prices.RemoteOptions{
			URL:       a.Config.Prices.URL,
			Timeout:   a.Config.Prices.RequestTimeout,
			UserAgent: a.Config.Prices.UserAgent,
		}, a.Logger)
	} else {
		source = prices.NewFileSource(a.Config.Prices.CSVPath, a.Logger)
	}
	return prices.NewProvider(source, a.Logger)
}

// newOracle returns nil when no P2P quote source is configured; the
// service then treats the P2P price as zero unless a request carries one.
func (a *App) newOracle() oracle.QuoteFetcher {
	if a.Config.P2P.ChainConfigured() {
		return oracle.NewChain(oracle.ChainOptions{
			RPCURL:          a.Config.P2P.RPCURL,
			ContractAddress: a.Config.P2P.ContractAddress,
			Timeout:         a.Config.P2P.RequestTimeout,
		}, a.Logger)
	}
	if a.Config.P2P.StaticPrice > 0 {
		return oracle.NewStatic(decimal.NewFromFloat(a.Config.P2P.StaticPrice))
	}
	return nil
}

func (a *App) newNotifiers() []alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			tg := a.Config.Alerting.Telegram
			if !tg.Enabled {
				a.Logger.Warn().Msg("telegram channel requested but alerting.telegram.enabled is false")
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	return notifiers
}

// openStore returns a nil store when persistence is not configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}
	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func (a *App) newMetrics() (*metrics.Set, prometheus.Gatherer, error) {
	registry := prometheus.NewRegistry()
	set, err := metrics.NewSet(registry)
	if err != nil {
		return nil, nil, err
	}
	return set, registry, nil
}

// Serve runs the decision agent: the HTTP boundary plus the hourly
// spike watch, with graceful shutdown on SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; decision audit disabled")
	} else {
		defer closeStore()
	}

	mset, gatherer, err := a.newMetrics()
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	provider := a.newProvider()
	if err := provider.Refresh(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("initial tariff load failed; decisions fall back until a refresh succeeds")
	}

	var decisionStore storage.DecisionStore
	var alertStore storage.SpikeAlertStore
	if store != nil {
		decisionStore = store
		alertStore = store
	}

	svc := service.New(a.Config, sched, a.newEngine(), provider, decisionStore, alertStore, a.newOracle(), a.newNotifiers(), mset, a.Logger)
	httpServer := server.New(a.Config, svc, gatherer, a.Logger)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	a.Logger.Info().
		Str("addr", a.Config.Server.Addr).
		Dur("watch_interval", a.Config.Scheduler.Interval).
		Msg("energy decision agent started")

	wg.Wait()

	select {
	case err := <-errCh:
		a.Logger.Error().Err(err).Msg("agent stopped with error")
		return err
	default:
	}

	a.Logger.Info().Msg("energy decision agent stopped")
	return nil
}

// DecideOptions carries the flags of the one-shot decide command.
type DecideOptions struct {
	Hour        int
	Production  float64
	Consumption float64
	Level       float64
	Capacity    float64
	P2PPrice    *float64
	LookAhead   int
	JSON        bool
}

// ReplayOptions carries the flags of the replay command.
type ReplayOptions struct {
	StartHour   int
	Hours       int
	Production  []float64
	Consumption []float64
	Level       float64
	Capacity    float64
	P2PPrice    float64
}

// ShowOptions controls how many audited decisions are listed.
type ShowOptions struct {
	Limit int
}

// ExportOptions selects the export targets for the tariff forecast.
type ExportOptions struct {
	Hour      int
	LookAhead int
	CSVPath   string
	PNGPath   string
}

// HistoryExportOptions selects the window of audited decisions to export.
type HistoryExportOptions struct {
	From      *time.Time
	To        *time.Time
	MaxPoints int
	CSVPath   string
	PNGPath   string
}

// AlertTestOptions fabricates one spike notification for channel checks.
type AlertTestOptions struct {
	SpikeHour int
	Price     float64
}
