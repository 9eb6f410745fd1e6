// Package events delivers the durable outbound queue to external consumers.
package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"erp-core/internal/core"
)

// Transport delivers one event. retryable tells the worker whether a failure
// is worth rescheduling (network trouble, throttling, server errors) or
// terminal (the consumer rejected the event).
type Transport interface {
	Deliver(ctx context.Context, event *core.IntegrationEvent) (retryable bool, err error)
}

// Worker drains due integration events on an interval. Claiming uses
// SKIP LOCKED, so running several workers is safe; delivery is at least once.
type Worker struct {
	events    *core.EventService
	transport Transport
	logger    *zap.Logger

	pollInterval    time.Duration
	deliveryTimeout time.Duration
	batchSize       int
}

func NewWorker(events *core.EventService, transport Transport, logger *zap.Logger, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		events:          events,
		transport:       transport,
		logger:          logger,
		pollInterval:    pollInterval,
		deliveryTimeout: 30 * time.Second,
		batchSize:       50,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("event drain failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) error {
	claimed, err := w.events.ClaimDue(ctx, w.batchSize)
	if err != nil {
		return err
	}

	for i := range claimed {
		event := &claimed[i]
		w.deliver(ctx, event)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, event *core.IntegrationEvent) {
	deliverCtx, cancel := context.WithTimeout(ctx, w.deliveryTimeout)
	defer cancel()

	retryable, err := w.transport.Deliver(deliverCtx, event)
	if err == nil {
		if err := w.events.MarkSuccess(ctx, event.ID); err != nil {
			w.logger.Error("failed to finalize delivered event",
				zap.String("event_id", event.ID.String()), zap.Error(err))
		}
		return
	}

	w.logger.Warn("event delivery failed",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", event.Attempts+1),
		zap.Bool("retryable", retryable),
		zap.Error(err))

	if err := w.events.MarkFailure(ctx, event, err, retryable); err != nil {
		w.logger.Error("failed to record event failure",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

// WebhookTransport POSTs the event payload to the owning company's configured
// webhook URL. A company without a URL is a terminal failure: the event was
// enqueued for a consumer that does not exist.
type WebhookTransport struct {
	pool   *pgxpool.Pool
	client *http.Client
}

func NewWebhookTransport(pool *pgxpool.Pool) *WebhookTransport {
	return &WebhookTransport{
		pool:   pool,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *WebhookTransport) Deliver(ctx context.Context, event *core.IntegrationEvent) (bool, error) {
	var webhookURL *string
	err := t.pool.QueryRow(ctx,
		"SELECT webhook_url FROM company_features WHERE company_id = $1",
		event.CompanyID).Scan(&webhookURL)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return true, fmt.Errorf("failed to load webhook url: %w", err)
	}
	if webhookURL == nil || *webhookURL == "" {
		return false, fmt.Errorf("company %s has no webhook url configured", event.CompanyID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *webhookURL, bytes.NewReader(event.Payload))
	if err != nil {
		return false, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Event-ID", event.ID.String())

	resp, err := t.client.Do(req)
	if err != nil {
		// Network failures are always worth retrying.
		return true, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected event with %d", resp.StatusCode)
	}
}
