package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cascade-cli/internal/config"
	"github.com/sells-group/cascade-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertIncoherentRate AlertType = "incoherent_rate"
	AlertExhaustedRate  AlertType = "exhausted_rate"
	AlertCureRunFailure AlertType = "cure_run_failure"
	AlertCircuitOpen    AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert type
// that was sent is muted for the configured cooldown.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		lastSent: make(map[AlertType]time.Time),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	if snap.ValidationTotal >= a.cfg.MinSampleSize && snap.ValidationTotal > 0 &&
		snap.IncoherentRate > a.cfg.IncoherentRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertIncoherentRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Incoherent rate %.1f%% exceeds threshold %.1f%% (%d of %d validations)",
				snap.IncoherentRate*100, a.cfg.IncoherentRateThreshold*100,
				snap.Incoherent, snap.ValidationTotal,
			),
			Details: map[string]any{
				"incoherent_rate": snap.IncoherentRate,
				"threshold":       a.cfg.IncoherentRateThreshold,
				"incoherent":      snap.Incoherent,
				"total":           snap.ValidationTotal,
				"avg_score":       snap.AvgScore,
			},
			Timestamp: now,
		})
	}

	if snap.CureAttempted >= a.cfg.MinSampleSize && snap.CureAttempted > 0 &&
		snap.ExhaustedRate > a.cfg.ExhaustedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExhaustedRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Curing exhausted rate %.1f%% exceeds threshold %.1f%% (%d of %d attempted)",
				snap.ExhaustedRate*100, a.cfg.ExhaustedRateThreshold*100,
				snap.Exhausted, snap.CureAttempted,
			),
			Details: map[string]any{
				"exhausted_rate": snap.ExhaustedRate,
				"threshold":      a.cfg.ExhaustedRateThreshold,
				"exhausted":      snap.Exhausted,
				"attempted":      snap.CureAttempted,
			},
			Timestamp: now,
		})
	}

	if snap.FailedRuns > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCureRunFailure,
			Severity: "high",
			Message:  fmt.Sprintf("%d of the last %d cure run(s) failed", snap.FailedRuns, snap.RecentRuns),
			Details: map[string]any{
				"failed_runs": snap.FailedRuns,
				"recent_runs": snap.RecentRuns,
			},
			Timestamp: now,
		})
	}

	if snap.CircuitState == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   "L9 extraction circuit breaker is open; cure attempts are being rejected",
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL, skipping types
// still in cooldown. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if a.muted(alert.Type) {
			zap.L().Debug("monitoring: alert in cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.markSent(alert.Type)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) muted(t AlertType) bool {
	cooldown := time.Duration(a.cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[t]
	return ok && a.now().Sub(last) < cooldown
}

func (a *Alerter) markSent(t AlertType) {
	a.mu.Lock()
	a.lastSent[t] = a.now()
	a.mu.Unlock()
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
