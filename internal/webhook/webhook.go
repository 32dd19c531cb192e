// Package webhook implements the built-in execution driver that delivers
// schedule payloads as signed HTTP POST requests. It is the driver the daemon
// registers by default for the "webhook" schedule type; hosts embedding the
// engine as a library can register their own drivers instead.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"autoflow/internal/types"
)

// ScheduleType is the payload kind this driver handles.
const ScheduleType = "webhook"

// Data is the webhook payload descriptor carried in a schedule's data field.
type Data struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	// Secret, when set, signs the delivery with an HMAC-SHA256 header.
	Secret string `json:"secret,omitempty"`
}

// Driver delivers webhook schedules. Deliveries go through a circuit breaker
// shared across schedules; readiness reports not-ready while the breaker is
// open so the engine keeps the schedule waiting instead of burning attempts.
type Driver struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
	logger    *slog.Logger
}

// New creates a webhook driver.
func New(httpClient *http.Client, userAgent string, logger *slog.Logger) *Driver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "webhook-delivery",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Driver{
		client:    httpClient,
		breaker:   cb,
		userAgent: userAgent,
		logger:    logger.With("component", "webhook_driver"),
	}
}

// PrepareSchedule validates the payload descriptor. Validation is local, so
// the result is reported on a fresh goroutine to honor the asynchronous
// contract without blocking the pipeline.
func (d *Driver) PrepareSchedule(ctx context.Context, schedule *types.Schedule, _ *types.TriggerContext, done func(types.PrepareResult)) {
	go func() {
		var data Data
		if err := json.Unmarshal(schedule.Data, &data); err != nil || data.URL == "" {
			d.logger.ErrorContext(ctx, "webhook schedule carries invalid payload",
				"schedule_id", schedule.ID)
			done(types.PrepareCancel)
			return
		}
		done(types.PrepareContinue)
	}()
}

// OnScheduleInvalidated implements the driver contract. Nothing is cached per
// schedule, so there is nothing to drop.
func (d *Driver) OnScheduleInvalidated(schedule *types.Schedule) {
	d.logger.Info("webhook schedule invalidated", "schedule_id", schedule.ID)
}

// CheckReadiness reports not-ready while the delivery breaker is open.
func (d *Driver) CheckReadiness(schedule *types.Schedule) types.ReadyResult {
	if d.breaker.State() == gobreaker.StateOpen {
		return types.ReadyNotReady
	}
	return types.ReadyContinue
}

// ExecuteSchedule performs the delivery and reports completion. Delivery
// failures are logged but still count as a completed execution; retrying a
// possibly-received webhook would risk duplicate side effects downstream.
func (d *Driver) ExecuteSchedule(schedule *types.Schedule, done func()) {
	go func() {
		defer done()

		var data Data
		if err := json.Unmarshal(schedule.Data, &data); err != nil {
			d.logger.Error("webhook payload unreadable at execution",
				"schedule_id", schedule.ID, "error", err)
			return
		}
		if err := d.deliver(context.Background(), schedule.ID, &data); err != nil {
			d.logger.Error("webhook delivery failed",
				"schedule_id", schedule.ID, "url", data.URL, "error", err)
			return
		}
		d.logger.Info("webhook delivered", "schedule_id", schedule.ID, "url", data.URL)
	}()
}

// OnExecutionInterrupted implements the driver contract. The delivery may or
// may not have gone out before the crash; it is counted either way.
func (d *Driver) OnExecutionInterrupted(schedule *types.Schedule) {
	d.logger.Warn("webhook execution interrupted by restart", "schedule_id", schedule.ID)
}

func (d *Driver) deliver(ctx context.Context, scheduleID string, data *Data) error {
	body := data.Body
	if body == nil {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, data.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("X-Autoflow-Schedule", scheduleID)
	for k, v := range data.Headers {
		req.Header.Set(k, v)
	}
	if data.Secret != "" {
		req.Header.Set("X-Autoflow-Signature", sign(data.Secret, body))
	}

	resp, err := d.breaker.Execute(func() (*http.Response, error) {
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeDriverFailure, "webhook endpoint returned server error", nil,
				map[string]any{"status": resp.StatusCode})
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// sign computes the hex HMAC-SHA256 of the body under the secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
