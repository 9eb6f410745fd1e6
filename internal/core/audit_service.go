package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one append-only audit record before serialization.
type AuditEntry struct {
	CompanyID  uuid.UUID
	Actor      string
	ActionType string
	ObjectType string
	ObjectID   *uuid.UUID
	Changes    map[string]any
	IP         *string
	UserAgent  *string
}

// AuditService writes the append-only audit trail. Audit rows are never
// updated or deleted; correcting entries append a new row.
type AuditService struct {
	pool *pgxpool.Pool
}

func NewAuditService(pool *pgxpool.Pool) *AuditService {
	return &AuditService{pool: pool}
}

func (s *AuditService) Record(ctx context.Context, e AuditEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal audit changes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (company_id, actor, action_type, object_type, object_id, changes, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.CompanyID, e.Actor, e.ActionType, e.ObjectType, e.ObjectID, changes, e.IP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListForObject returns the audit trail of one object, oldest first.
func (s *AuditService) ListForObject(ctx context.Context, companyID uuid.UUID, objectType string, objectID uuid.UUID) ([]AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, actor, action_type, object_type, object_id, changes, ip, user_agent, created_at
		FROM audit_logs
		WHERE company_id = $1 AND object_type = $2 AND object_id = $3
		ORDER BY created_at ASC
	`, companyID, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.Actor, &l.ActionType, &l.ObjectType, &l.ObjectID, &l.Changes, &l.IP, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}
