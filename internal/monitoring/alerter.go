// Package monitoring posts webhook alerts about catalog sync runs.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
	"github.com/sells-group/catalog-sync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailure  AlertType = "sync_failure"
	AlertFeedFailure  AlertType = "feed_failure"
	AlertBatchFailure AlertType = "batch_failure"
	AlertParseSkips   AlertType = "parse_skips"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunReport is the outcome of one sync run as seen by the alerter.
type RunReport struct {
	Source  string
	RunID   int64
	Summary *catalog.Summary
	Err     error
}

// Alerter evaluates run reports against configured thresholds and sends
// alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts a run warrants.
func (a *Alerter) Evaluate(r RunReport) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	base := map[string]any{"source": r.Source, "run_id": r.RunID}

	with := func(extra map[string]any) map[string]any {
		d := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			d[k] = v
		}
		for k, v := range extra {
			d[k] = v
		}
		return d
	}

	if r.Err != nil {
		var (
			fetchErr *catalog.FetchError
			batchErr *catalog.BatchWriteError
		)
		switch {
		case errors.As(r.Err, &fetchErr):
			alerts = append(alerts, Alert{
				Type:      AlertFeedFailure,
				Severity:  "high",
				Message:   fmt.Sprintf("Catalog sync %d could not read the feed (%s)", r.RunID, fetchErr.Op),
				Details:   with(map[string]any{"error": r.Err.Error(), "transient": fetchErr.Transient()}),
				Timestamp: now,
			})
		case errors.As(r.Err, &batchErr):
			alerts = append(alerts, Alert{
				Type:      AlertBatchFailure,
				Severity:  "high",
				Message:   fmt.Sprintf("Catalog sync %d failed to write %d batch(es)", r.RunID, len(batchErr.Failed)),
				Details:   with(map[string]any{"error": r.Err.Error(), "failed_batches": len(batchErr.Failed)}),
				Timestamp: now,
			})
		default:
			alerts = append(alerts, Alert{
				Type:      AlertSyncFailure,
				Severity:  "high",
				Message:   fmt.Sprintf("Catalog sync %d failed", r.RunID),
				Details:   with(map[string]any{"error": r.Err.Error()}),
				Timestamp: now,
			})
		}
	}

	if r.Summary != nil && a.cfg.ParseSkipThreshold > 0 && r.Summary.ParseErrors > a.cfg.ParseSkipThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertParseSkips,
			Severity: "medium",
			Message: fmt.Sprintf("Catalog sync %d skipped %d unparseable cards (threshold %d)",
				r.RunID, r.Summary.ParseErrors, a.cfg.ParseSkipThreshold),
			Details: with(map[string]any{
				"parse_errors": r.Summary.ParseErrors,
				"threshold":    a.cfg.ParseSkipThreshold,
				"cards_seen":   r.Summary.CardsSeen,
			}),
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// Notify evaluates a run and sends whatever it warrants.
func (a *Alerter) Notify(ctx context.Context, r RunReport) int {
	return a.SendAlerts(ctx, a.Evaluate(r))
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
