// Package notifier provides the Notifier interface (C7) and two thin
// default implementations: a structured-log notifier and a webhook
// notifier. The component is specified as "interface only" — chart
// rendering from recent raw history is an explicit Non-goal — so these
// implementations cover only alert delivery.
package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"polymarket-monitor/pkg/types"
)

// Notifier delivers a confirmed anomaly. Implementations must not update
// any persistent alert state themselves; the caller does that on success.
type Notifier interface {
	Notify(ctx context.Context, market types.Market, tick types.Tick, detection types.Detection) error
}

// LogNotifier emits a structured log record. It never fails, so it can be
// the default when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify logs the anomaly at warn level.
func (n *LogNotifier) Notify(ctx context.Context, market types.Market, tick types.Tick, detection types.Detection) error {
	n.logger.Warn("anomaly detected",
		"market_id", market.MarketID,
		"title", market.Title,
		"price", tick.YesPrice,
		"price_change", detection.PriceChange,
		"price_z", detection.PriceZ,
		"volume_z", detection.VolumeZ,
		"adjusted_score", detection.AdjustedScore,
		"zone", detection.Zone,
	)
	return nil
}

// WebhookNotifier posts a JSON body, including an HTML-escaped plain-text
// summary, to a configured webhook URL.
type WebhookNotifier struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewWebhookNotifier builds a WebhookNotifier targeting url.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		http:   resty.New(),
		url:    url,
		logger: logger.With("component", "notifier"),
	}
}

// Notify posts a JSON body describing the anomaly.
func (n *WebhookNotifier) Notify(ctx context.Context, market types.Market, tick types.Tick, detection types.Detection) error {
	message := fmt.Sprintf(
		"anomaly on %s (market %d): price %.4f moved %.4f (z=%.2f, score=%.2f, zone=%s)",
		html.EscapeString(market.Title), market.MarketID, tick.YesPrice, detection.PriceChange,
		detection.PriceZ, detection.AdjustedScore, detection.Zone,
	)

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"market_id": market.MarketID,
			"title":     market.Title,
			"message":   message,
			"detection": detection,
		}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post webhook: status %d", resp.StatusCode())
	}
	return nil
}
