package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/models"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBody          = 1024
)

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	URL    string
	Client *http.Client
	// RateLimit caps handoffs per second. Zero means unlimited.
	RateLimit float64
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Webhook hands tasks to an external orchestrator by POSTing a Request as
// JSON. Any 2xx response accepts the run.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *zap.Logger
}

// NewWebhook creates a webhook orchestrator.
func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	w := &Webhook{
		url:    opts.URL,
		client: opts.Client,
		clock:  clock.Or(opts.Clock),
		logger: opts.Logger,
	}
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return w
}

// Handoff implements dispatch.Orchestrator.
func (w *Webhook) Handoff(ctx context.Context, runID string, task models.TaskRef) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	payload, err := json.Marshal(Request{RunID: runID, Task: task, AdmittedAt: w.clock.Now()})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conductor-Run-Id", runID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post handoff: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	w.logger.Debug("handoff accepted",
		zap.String("run_id", runID),
		zap.String("task_id", task.TaskID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
