package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sampleNote() Notification {
	return Notification{
		ForecastAt:   time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC),
		SpikeHour:    18,
		SpikePrice:   decimal.NewFromFloat(1.6),
		HoursAway:    3,
		Threshold:    decimal.NewFromFloat(0.768),
		MeanPurchase: decimal.NewFromFloat(0.548),
		Channels:     []string{"log", "telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "18:00 - 19:00") {
		t.Fatalf("text 应包含尖峰时段, 实际 %q", received["text"])
	}
	if !strings.Contains(received["text"], "in 3h") {
		t.Fatalf("text 应包含提前小时数, 实际 %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	notifier := NewLogNotifier(testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("日志告警器不应报错: %v", err)
	}
}
