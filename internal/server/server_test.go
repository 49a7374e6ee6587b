package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"c4e-agent/internal/config"
	"c4e-agent/internal/decision"
	"c4e-agent/internal/metrics"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSource struct {
	table *prices.Table
	err   error
}

func (s *stubSource) Fetch(context.Context) (*prices.Table, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.table, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
			CORSOrigins:     []string{"*"},
		},
	}
}

func uniformTableProvider(t *testing.T) *prices.Provider {
	t.Helper()
	provider := prices.NewProvider(&stubSource{table: prices.Uniform(prices.Entry{Purchase: 0.5, Sale: 0.25})}, zerolog.Nop())
	if err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("预热价格表失败: %v", err)
	}
	return provider
}

func spikyTableProvider(t *testing.T) *prices.Provider {
	t.Helper()
	entries := make(map[int]prices.Entry, prices.HoursPerDay)
	for h := 0; h < prices.HoursPerDay; h++ {
		entries[h] = prices.Entry{Purchase: 0.5, Sale: 0.25}
	}
	entries[20] = prices.Entry{Purchase: 1.5, Sale: 0.25}
	provider := prices.NewProvider(&stubSource{table: prices.NewTable(entries)}, zerolog.Nop())
	if err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("预热价格表失败: %v", err)
	}
	return provider
}

func newTestServer(t *testing.T, provider *prices.Provider) (*Server, *prometheus.Registry) {
	t.Helper()
	cfg := testConfig()
	registry := prometheus.NewRegistry()
	mset, err := metrics.NewSet(registry)
	if err != nil {
		t.Fatalf("注册指标失败: %v", err)
	}
	engine := decision.NewEngine(decision.DefaultParams())
	svc := service.New(cfg, nil, engine, provider, nil, nil, nil, nil, mset, zerolog.Nop())
	return New(cfg, svc, registry, zerolog.Nop()), registry
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDecisionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	body := `{
		"hour": 10,
		"production": 50,
		"consumption": 20,
		"storage_levels": {"battery": {"capacity": 100, "current_level": 0}},
		"grid_purchase_price": 0.5,
		"grid_sale_price": 0.25,
		"p2p_base_price": 1.0,
		"token_balance": 42
	}`

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/decision", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var resp decisionResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	if resp.EnergySoldToGrid != 30 {
		t.Fatalf("期望卖电 30, 实际 %v", resp.EnergySoldToGrid)
	}
	if resp.EnergyAddedToStorage != 0 || resp.EnergyBoughtFromGrid != 0 || resp.EnergyBoughtFromStorages != 0 {
		t.Fatalf("其他量应为 0: %+v", resp)
	}
	if resp.NetCost != -7.5 {
		t.Fatalf("期望净成本 -7.5, 实际 %v", resp.NetCost)
	}
	if resp.Status != "ok" {
		t.Fatalf("期望状态 ok, 实际 %s", resp.Status)
	}
	if _, err := uuid.Parse(resp.RequestID); err != nil {
		t.Fatalf("request_id 应为 UUID, 实际 %q", resp.RequestID)
	}
}

func TestDecisionEndpointEchoesRequestID(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))
	id := uuid.New().String()

	body := `{"hour": 1, "production": 1, "consumption": 1, "request_id": "` + id + `"}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/decision", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	var resp decisionResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.RequestID != id {
		t.Fatalf("期望回传 request_id %s, 实际 %s", id, resp.RequestID)
	}
}

func TestDecisionEndpointRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	cases := map[string]string{
		"malformed json":      `{`,
		"missing hour":        `{"production": 1, "consumption": 1}`,
		"missing production":  `{"hour": 1, "consumption": 1}`,
		"negative production": `{"hour": 1, "production": -5, "consumption": 1}`,
		"bad request id":      `{"hour": 1, "production": 1, "consumption": 1, "request_id": "nope"}`,
		"storage missing capacity": `{"hour": 1, "production": 1, "consumption": 1,
			"storage_levels": {"b": {"current_level": 5}}}`,
	}

	for name, body := range cases {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/decision", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: 期望 400, 实际 %d", name, rec.Code)
		}
		var envelope errorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("%s: 解析错误响应失败: %v", name, err)
		}
		if envelope.Error.Code != "INVALID_REQUEST" {
			t.Fatalf("%s: 期望错误码 INVALID_REQUEST, 实际 %s", name, envelope.Error.Code)
		}
	}
}

func TestDecisionEndpointFallsBackWithoutTable(t *testing.T) {
	provider := prices.NewProvider(&stubSource{err: errors.New("boom")}, zerolog.Nop())
	srv, _ := newTestServer(t, provider)

	body := `{"hour": 7, "production": 5, "consumption": 20}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/decision", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("回退仍应返回 200, 实际 %d", rec.Code)
	}

	var resp decisionResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Status != "fallback" {
		t.Fatalf("期望状态 fallback, 实际 %s", resp.Status)
	}
	if resp.EnergyBoughtFromGrid != 15 {
		t.Fatalf("回退应购买缺口 15, 实际 %v", resp.EnergyBoughtFromGrid)
	}
	if len(resp.Warnings) == 0 {
		t.Fatal("回退应附带警告")
	}
}

func TestForecastEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, spikyTableProvider(t))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/forecast?hour=18&look_ahead=12", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var resp forecastResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	if resp.Hour != 18 {
		t.Fatalf("期望小时 18, 实际 %d", resp.Hour)
	}
	if len(resp.Spikes) != 1 {
		t.Fatalf("期望 1 个尖峰, 实际 %d", len(resp.Spikes))
	}
	spike := resp.Spikes[0]
	if spike.Hour != 20 || spike.HoursAway != 2 {
		t.Fatalf("期望 20 点尖峰提前 2 小时, 实际 %+v", spike)
	}
	if spike.Label != "20:00 - 21:00" {
		t.Fatalf("期望时段标签 20:00 - 21:00, 实际 %q", spike.Label)
	}
	if resp.NextSpikeInHours == nil || *resp.NextSpikeInHours != 2 {
		t.Fatalf("期望 next_spike_in_hours=2, 实际 %v", resp.NextSpikeInHours)
	}
}

func TestForecastEndpointWithoutSpikesOmitsNext(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/forecast?hour=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	if strings.Contains(rec.Body.String(), "next_spike_in_hours") {
		t.Fatalf("无尖峰时不应返回 next_spike_in_hours: %s", rec.Body.String())
	}
}

func TestForecastEndpointRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	for _, path := range []string{"/forecast?hour=abc", "/forecast?look_ahead=0", "/forecast?look_ahead=x"} {
		rec := doJSON(t, srv.Handler(), http.MethodGet, path, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: 期望 400, 实际 %d", path, rec.Code)
		}
	}
}

func TestForecastEndpointUnavailable(t *testing.T) {
	provider := prices.NewProvider(&stubSource{err: errors.New("boom")}, zerolog.Nop())
	srv, _ := newTestServer(t, provider)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/forecast", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("期望 503, 实际 %d", rec.Code)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if envelope.Error.Code != "TABLE_UNAVAILABLE" {
		t.Fatalf("期望错误码 TABLE_UNAVAILABLE, 实际 %s", envelope.Error.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("期望 status=ok, 实际 %v", resp["status"])
	}
	if resp["price_table_loaded"] != true {
		t.Fatalf("期望价格表已加载, 实际 %v", resp["price_table_loaded"])
	}
}

func TestMetricsEndpointCountsDecisions(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	body := `{"hour": 1, "production": 10, "consumption": 5, "p2p_base_price": 1.0}`
	if rec := doJSON(t, srv.Handler(), http.MethodPost, "/decision", body); rec.Code != http.StatusOK {
		t.Fatalf("决策请求失败: %d", rec.Code)
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "c4e_decisions_total") {
		t.Fatal("指标输出应包含 c4e_decisions_total")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, uniformTableProvider(t))

	req := httptest.NewRequest(http.MethodOptions, "/decision", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("期望放行所有来源, 实际 %q", got)
	}
}
