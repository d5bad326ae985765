package upstream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func newTestClient(t *testing.T, catalogSrv, marketSrv *httptest.Server) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	catalogURL := ""
	if catalogSrv != nil {
		catalogURL = catalogSrv.URL
	}
	marketURL := ""
	if marketSrv != nil {
		marketURL = marketSrv.URL
	}

	return NewClient(Config{
		CatalogBaseURL:        catalogURL,
		MarketBaseURL:         marketURL,
		RateLimitReservoir:    100,
		RateLimitRefillPerSec: 100,
		MaxConcurrency:        6,
		RequestTimeout:        2 * time.Second,
		RetryWait:             10 * time.Millisecond,
	}, logger)
}

func TestListTopicsPageParsesListAndTotal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"data": map[string]any{
					"list":  []map[string]any{{"marketId": 1}, {"marketId": 2}},
					"total": 2,
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	entries, total, err := c.ListTopicsPage(t.Context(), 1, 100)
	if err != nil {
		t.Fatalf("ListTopicsPage() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListTopicsPage() returned %d entries, want 2", len(entries))
	}
	if total == nil || *total != 2 {
		t.Fatalf("ListTopicsPage() total = %v, want 2", total)
	}
}

func TestTopicDetailReportsNotFoundCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errno": 10200, "msg": "not found"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, code, err := c.TopicDetail(t.Context(), "missing-topic")
	if err != nil {
		t.Fatalf("TopicDetail() error = %v", err)
	}
	if code != ErrCodeNotFound {
		t.Errorf("TopicDetail() code = %d, want %d", code, ErrCodeNotFound)
	}
}

func TestServerTimeCoercesSeconds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"serverTime": 1_700_000_000})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ms, err := c.ServerTime(t.Context())
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if ms != 1_700_000_000_000 {
		t.Errorf("ServerTime() = %d, want %d", ms, 1_700_000_000_000)
	}
}

func TestRetriesOnce5xxThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"serverTime": 1_700_000_000})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	if _, err := c.ServerTime(t.Context()); err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one retry after 5xx)", attempts)
	}
}
