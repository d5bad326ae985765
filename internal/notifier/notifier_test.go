package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"polymarket-monitor/pkg/types"
)

func TestLogNotifierNeverFails(t *testing.T) {
	t.Parallel()

	n := NewLogNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := n.Notify(context.Background(), types.Market{MarketID: 1, Title: "m"}, types.Tick{YesPrice: 0.5}, types.Detection{})
	if err != nil {
		t.Errorf("Notify() error = %v, want nil", err)
	}
}

func TestWebhookNotifierPostsBody(t *testing.T) {
	t.Parallel()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	market := types.Market{MarketID: 9, Title: "Will it rain?"}
	err := n.Notify(context.Background(), market, types.Tick{YesPrice: 0.6}, types.Detection{AdjustedScore: 3.1})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if received["market_id"].(float64) != 9 {
		t.Errorf("posted market_id = %v, want 9", received["market_id"])
	}
}

func TestWebhookNotifierReturnsErrorOnNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := n.Notify(context.Background(), types.Market{MarketID: 1}, types.Tick{}, types.Detection{})
	if err == nil {
		t.Error("expected error on 500 response")
	}
}
