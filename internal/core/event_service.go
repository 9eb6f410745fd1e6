package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// backoffSchedule is the retry delay per attempt count, capped at the last
// entry once attempts run past the table.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Backoff returns the delay before the next delivery attempt. attempts is the
// number of attempts already made (so the first retry uses attempts=1).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return backoffSchedule[0]
	}
	if attempts > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempts-1]
}

// EventService is the durable outbound queue. Events are written by the
// posting path and drained by the delivery worker; delivery is at least once.
type EventService struct {
	pool *pgxpool.Pool
}

func NewEventService(pool *pgxpool.Pool) *EventService {
	return &EventService{pool: pool}
}

// Enqueue stores a PENDING event due immediately.
func (s *EventService) Enqueue(ctx context.Context, companyID uuid.UUID, eventType string, payload map[string]any, sourceObjectID uuid.UUID) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO integration_events (company_id, event_type, payload, status, attempts, next_retry_at, source_object_id)
		VALUES ($1, $2, $3, 'PENDING', 0, now(), $4)
	`, companyID, eventType, body, sourceObjectID)
	if err != nil {
		return fmt.Errorf("failed to enqueue integration event: %w", err)
	}
	return nil
}

// ClaimDue atomically moves up to limit due events to PROCESSING and returns
// them. SKIP LOCKED keeps concurrent workers from claiming the same rows.
func (s *EventService) ClaimDue(ctx context.Context, limit int) ([]IntegrationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE integration_events
		SET status = 'PROCESSING'
		WHERE id IN (
			SELECT id FROM integration_events
			WHERE status IN ('PENDING', 'RETRY') AND next_retry_at <= now()
			ORDER BY next_retry_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, company_id, event_type, payload, status, attempts, max_attempts,
		          next_retry_at, last_error, source_object_id, created_at, processed_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due events: %w", err)
	}
	defer rows.Close()

	var events []IntegrationEvent
	for rows.Next() {
		var e IntegrationEvent
		if err := rows.Scan(
			&e.ID, &e.CompanyID, &e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.MaxAttempts,
			&e.NextRetryAt, &e.LastError, &e.SourceObjectID, &e.CreatedAt, &e.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan integration event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// MarkSuccess finalizes a delivered event.
func (s *EventService) MarkSuccess(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE integration_events
		SET status = 'SUCCESS', attempts = attempts + 1, processed_at = now(), last_error = NULL
		WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event success: %w", err)
	}
	return nil
}

// MarkFailure records a failed attempt. Retryable failures reschedule with
// the backoff series until max_attempts, then park the event as FAILED.
// Non-retryable failures go straight to FAILED.
func (s *EventService) MarkFailure(ctx context.Context, e *IntegrationEvent, deliveryErr error, retryable bool) error {
	attempts := e.Attempts + 1
	msg := deliveryErr.Error()

	if !retryable || attempts >= e.MaxAttempts {
		_, err := s.pool.Exec(ctx, `
			UPDATE integration_events
			SET status = 'FAILED', attempts = $1, last_error = $2, processed_at = now()
			WHERE id = $3
		`, attempts, msg, e.ID)
		if err != nil {
			return fmt.Errorf("failed to mark event failed: %w", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE integration_events
		SET status = 'RETRY', attempts = $1, last_error = $2, next_retry_at = now() + $3
		WHERE id = $4
	`, attempts, msg, Backoff(attempts), e.ID)
	if err != nil {
		return fmt.Errorf("failed to reschedule event: %w", err)
	}
	return nil
}

// Get returns one event scoped to the company.
func (s *EventService) Get(ctx context.Context, companyID, eventID uuid.UUID) (*IntegrationEvent, error) {
	var e IntegrationEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, event_type, payload, status, attempts, max_attempts,
		       next_retry_at, last_error, source_object_id, created_at, processed_at
		FROM integration_events
		WHERE id = $1 AND company_id = $2
	`, eventID, companyID).Scan(
		&e.ID, &e.CompanyID, &e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.NextRetryAt, &e.LastError, &e.SourceObjectID, &e.CreatedAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration event: %w", err)
	}
	return &e, nil
}
