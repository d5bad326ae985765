// Package upstream implements the thin REST client the rest of the monitor
// consumes: a paged topic list, topic/multi-outcome detail lookups, the
// orderbook/last-price endpoint, the private market endpoint, and server
// time. Every request passes through a shared rate limiter and a
// single-retry policy (connect timeouts and 5xx only), grounded on the
// teacher's internal/exchange/client.go.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is the REST client for the prediction-market venue.
type Client struct {
	catalogHTTP *resty.Client
	marketHTTP  *resty.Client
	limiter     *RateLimiter
	logger      *slog.Logger
}

// Config carries just the fields client.go needs, decoupling this package
// from internal/config's import graph.
type Config struct {
	CatalogBaseURL        string
	MarketBaseURL         string
	RateLimitReservoir    float64
	RateLimitRefillPerSec float64
	MaxConcurrency        int
	RequestTimeout        time.Duration
	RetryWait             time.Duration
}

// NewClient builds a rate-limited, single-retry REST client for both the
// catalog/list/detail endpoints and the market/orderbook endpoints.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.RequestTimeout).
			SetRetryCount(1).
			SetRetryWaitTime(cfg.RetryWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					var netErr net.Error
					return errors.As(err, &netErr) && netErr.Timeout() // timeouts only
				}
				return r.StatusCode() >= http.StatusInternalServerError
			})
	}

	return &Client{
		catalogHTTP: newHTTP(cfg.CatalogBaseURL),
		marketHTTP:  newHTTP(cfg.MarketBaseURL),
		limiter:     NewRateLimiter(cfg.RateLimitReservoir, cfg.RateLimitRefillPerSec, cfg.MaxConcurrency),
		logger:      logger.With("component", "upstream"),
	}
}

// ListTopicsPage fetches one page of the topic catalog.
func (c *Client) ListTopicsPage(ctx context.Context, page, limit int) (entries []Envelope, total *int, err error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var raw Envelope
	resp, err := c.catalogHTTP.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"statusEnum": "Activated",
			"page":       itoa(page),
			"limit":      itoa(limit),
		}).
		SetResult(&raw).
		Get("/topics")
	if err != nil {
		return nil, nil, fmt.Errorf("list topics page %d: %w", page, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, fmt.Errorf("list topics page %d: status %d", page, resp.StatusCode())
	}

	payload, code := UnwrapEnvelope(raw)
	if code != 0 {
		return nil, nil, fmt.Errorf("list topics page %d: upstream code %d", page, code)
	}

	list, _ := PickList(payload, "list", "data", "items", "topics")
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			entries = append(entries, m)
		}
	}
	if n, ok := PickNumber(payload, "total", "totalCount", "count"); ok {
		t := int(n)
		total = &t
	}
	return entries, total, nil
}

// TopicDetail fetches the detail payload for a single topic. Returns
// ErrCodeNotFound as the code when the venue reports "not found".
func (c *Client) TopicDetail(ctx context.Context, topicID string) (Envelope, int, error) {
	return c.getDetail(ctx, c.catalogHTTP, fmt.Sprintf("/topics/%s", topicID))
}

// MultiDetail fetches the multi-outcome detail payload for a topic.
func (c *Client) MultiDetail(ctx context.Context, topicID string) (Envelope, int, error) {
	return c.getDetail(ctx, c.catalogHTTP, fmt.Sprintf("/multi/%s", topicID))
}

func (c *Client) getDetail(ctx context.Context, restyClient *resty.Client, path string) (Envelope, int, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	var raw Envelope
	resp, err := restyClient.R().SetContext(ctx).SetResult(&raw).Get(path)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, fmt.Errorf("get %s: status %d", path, resp.StatusCode())
	}

	payload, code := UnwrapEnvelope(raw)
	return payload, code, nil
}

// OrderbookPrice fetches the latest price snapshot for a YES token.
func (c *Client) OrderbookPrice(ctx context.Context, yesTokenID, topicID string, chainID *int64) (Envelope, int, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	params := map[string]string{
		"symbol":       yesTokenID,
		"question_id":  topicID,
		"symbol_types": "0",
	}
	if chainID != nil {
		params["chainId"] = itoa(int(*chainID))
	}

	var raw Envelope
	resp, err := c.marketHTTP.R().SetContext(ctx).SetQueryParams(params).SetResult(&raw).Get("/orderbook")
	if err != nil {
		return nil, 0, fmt.Errorf("orderbook %s: %w", yesTokenID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, fmt.Errorf("orderbook %s: status %d", yesTokenID, resp.StatusCode())
	}

	payload, code := UnwrapEnvelope(raw)
	return payload, code, nil
}

// PrivateMarket fetches the private market payload for marketID, trying the
// detail path first and falling back to the list-by-query-param shape.
func (c *Client) PrivateMarket(ctx context.Context, marketID int64) (Envelope, int, error) {
	payload, code, err := c.getDetail(ctx, c.marketHTTP, fmt.Sprintf("/market/%d", marketID))
	if err == nil && code == 0 && len(payload) > 0 {
		return payload, code, nil
	}

	release, relErr := c.limiter.Acquire(ctx)
	if relErr != nil {
		return nil, 0, relErr
	}
	defer release()

	var raw Envelope
	resp, listErr := c.marketHTTP.R().
		SetContext(ctx).
		SetQueryParam("marketId", itoa(int(marketID))).
		SetResult(&raw).
		Get("/market")
	if listErr != nil {
		return nil, 0, fmt.Errorf("private market %d (list fallback): %w", marketID, listErr)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, fmt.Errorf("private market %d (list fallback): status %d", marketID, resp.StatusCode())
	}

	payload, code = UnwrapEnvelope(raw)
	return payload, code, nil
}

// ServerTime fetches the venue's server clock, in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var raw Envelope
	resp, err := c.catalogHTTP.R().SetContext(ctx).SetResult(&raw).Get("/time")
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("server time: status %d", resp.StatusCode())
	}

	payload, code := UnwrapEnvelope(raw)
	if code != 0 {
		return 0, fmt.Errorf("server time: upstream code %d", code)
	}
	n, ok := PickNumber(payload, "serverTime", "server_time", "timestamp", "time", "ts")
	if !ok {
		return 0, fmt.Errorf("server time: no timestamp field in response")
	}
	return CoerceMillis(n, ServerTimeSecondsThreshold), nil
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
