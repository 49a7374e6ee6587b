package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"c4e-agent/internal/prices"
)

// Notification 封装一次价格尖峰告警的上下文。
type Notification struct {
	ForecastAt    time.Time
	SpikeHour     int
	SpikePrice    decimal.Decimal
	HoursAway     int
	Threshold     decimal.Decimal
	MeanPurchase  decimal.Decimal
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier 将告警写入结构化日志, 作为默认通道。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 以 warn 级别记录告警内容。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Time("forecast_at", note.ForecastAt).
		Int("spike_hour", note.SpikeHour).
		Str("spike_price", note.SpikePrice.StringFixed(3)).
		Int("hours_away", note.HoursAway).
		Str("threshold", note.Threshold.StringFixed(3)).
		Msg("即将出现电价尖峰")
	return nil
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("forecast_at", note.ForecastAt).
		Int("spike_hour", note.SpikeHour).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Grid Price Spike]\n")
	builder.WriteString(fmt.Sprintf("Forecast: %s UTC\n", note.ForecastAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Spike hour: %s (in %dh)\n", prices.HourLabel(note.SpikeHour), note.HoursAway))
	builder.WriteString(fmt.Sprintf("Purchase price: %s per kWh\n", note.SpikePrice.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Threshold: %s per kWh (mean %s)\n", note.Threshold.StringFixed(3), note.MeanPurchase.StringFixed(3)))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*TelegramNotifier)(nil)
)
