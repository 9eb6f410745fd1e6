package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Approval target types. Rules are keyed (company, target type).
const (
	TargetVoucher       = "VOUCHER"
	TargetSalesOrder    = "SALES_ORDER"
	TargetPurchaseOrder = "PURCHASE_ORDER"
)

const pgUniqueViolation = "23505"

// ApprovalService runs the maker-checker workflow. At most one PENDING
// approval may exist per target; the partial unique index is the arbiter
// under concurrent submits.
type ApprovalService struct {
	pool *pgxpool.Pool
}

func NewApprovalService(pool *pgxpool.Pool) *ApprovalService {
	return &ApprovalService{pool: pool}
}

// Submit opens a PENDING approval for the target. A second submit while one
// is pending fails with PENDING_APPROVAL_EXISTS.
func (s *ApprovalService) Submit(ctx context.Context, principal Principal, targetType string, targetID uuid.UUID, remarks string) (*Approval, error) {
	if !principal.Has(CapMaker) && !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the MAKER capability", principal.UserID)
	}

	var a Approval
	err := s.pool.QueryRow(ctx, `
		INSERT INTO approvals (company_id, target_type, target_id, status, requested_by, remarks)
		VALUES ($1, $2, $3, 'PENDING', $4, $5)
		RETURNING id, company_id, target_type, target_id, status, requested_by, approved_by, remarks, created_at, decided_at
	`, principal.CompanyID, targetType, targetID, principal.UserID, remarks).Scan(
		&a.ID, &a.CompanyID, &a.TargetType, &a.TargetID, &a.Status,
		&a.RequestedBy, &a.ApprovedBy, &a.Remarks, &a.CreatedAt, &a.DecidedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, E(ErrCodePendingApprovalExists,
				"a pending approval already exists for %s %s", targetType, targetID)
		}
		return nil, fmt.Errorf("failed to submit approval: %w", err)
	}
	return &a, nil
}

// Approve decides a pending approval. The checker must differ from the maker.
func (s *ApprovalService) Approve(ctx context.Context, principal Principal, approvalID uuid.UUID, remarks string) (*Approval, error) {
	return s.decide(ctx, principal, approvalID, ApprovalApproved, remarks)
}

// Reject decides a pending approval negatively. The same self-approval rule
// applies: the maker cannot reject their own submission on behalf of a checker.
func (s *ApprovalService) Reject(ctx context.Context, principal Principal, approvalID uuid.UUID, remarks string) (*Approval, error) {
	return s.decide(ctx, principal, approvalID, ApprovalRejected, remarks)
}

func (s *ApprovalService) decide(ctx context.Context, principal Principal, approvalID uuid.UUID, decision ApprovalStatus, remarks string) (*Approval, error) {
	if !principal.Has(CapChecker) && !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the CHECKER capability", principal.UserID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var a Approval
	err = tx.QueryRow(ctx, `
		SELECT id, company_id, target_type, target_id, status, requested_by, approved_by, remarks, created_at, decided_at
		FROM approvals
		WHERE id = $1 AND company_id = $2
		FOR UPDATE
	`, approvalID, principal.CompanyID).Scan(
		&a.ID, &a.CompanyID, &a.TargetType, &a.TargetID, &a.Status,
		&a.RequestedBy, &a.ApprovedBy, &a.Remarks, &a.CreatedAt, &a.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "approval %s not found", approvalID)
		}
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}

	if a.Status != ApprovalPending {
		return nil, E(ErrCodeApprovalNotPending, "approval %s is already %s", approvalID, a.Status)
	}
	if a.RequestedBy == principal.UserID {
		return nil, E(ErrCodeSelfApprovalForbidden, "principal %s cannot decide their own submission", principal.UserID)
	}

	err = tx.QueryRow(ctx, `
		UPDATE approvals
		SET status = $1, approved_by = $2, remarks = CASE WHEN $3 <> '' THEN $3 ELSE remarks END, decided_at = now()
		WHERE id = $4
		RETURNING status, approved_by, remarks, decided_at
	`, decision, principal.UserID, remarks, approvalID).Scan(&a.Status, &a.ApprovedBy, &a.Remarks, &a.DecidedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit approval decision: %w", err)
	}
	return &a, nil
}

// Status returns the most recent approval for a target, or nil when the
// target was never submitted.
func (s *ApprovalService) Status(ctx context.Context, companyID uuid.UUID, targetType string, targetID uuid.UUID) (*Approval, error) {
	a, err := latestApproval(ctx, s.pool, companyID, targetType, targetID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// gateSatisfiedTx is the posting-side check. The gate passes when no rule
// exists, the rule does not require approval, the amount auto-approves below
// the threshold, or the latest approval is APPROVED. Everything else blocks
// with APPROVAL_REQUIRED.
func (s *ApprovalService) gateSatisfiedTx(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, targetType string, targetID uuid.UUID, amount decimal.Decimal) error {
	var rule ApprovalRule
	err := tx.QueryRow(ctx, `
		SELECT company_id, target_type, approval_required, threshold_amount, auto_approve_below_threshold
		FROM approval_rules
		WHERE company_id = $1 AND target_type = $2
	`, companyID, targetType).Scan(
		&rule.CompanyID, &rule.TargetType, &rule.ApprovalRequired,
		&rule.ThresholdAmount, &rule.AutoApproveBelowThreshold,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to load approval rule: %w", err)
	}

	if !rule.ApprovalRequired {
		return nil
	}
	if rule.ThresholdAmount != nil && rule.AutoApproveBelowThreshold && amount.LessThan(*rule.ThresholdAmount) {
		return nil
	}

	a, err := latestApproval(ctx, tx, companyID, targetType, targetID)
	if err != nil {
		return err
	}
	if a != nil && a.Status == ApprovalApproved {
		return nil
	}
	return ED(ErrCodeApprovalRequired,
		map[string]any{"target_type": targetType, "target_id": targetID.String()},
		"%s %s requires an approved maker-checker decision", targetType, targetID)
}

func latestApproval(ctx context.Context, q pgxQuerier, companyID uuid.UUID, targetType string, targetID uuid.UUID) (*Approval, error) {
	var a Approval
	err := q.QueryRow(ctx, `
		SELECT id, company_id, target_type, target_id, status, requested_by, approved_by, remarks, created_at, decided_at
		FROM approvals
		WHERE company_id = $1 AND target_type = $2 AND target_id = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, companyID, targetType, targetID).Scan(
		&a.ID, &a.CompanyID, &a.TargetType, &a.TargetID, &a.Status,
		&a.RequestedBy, &a.ApprovedBy, &a.Remarks, &a.CreatedAt, &a.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest approval: %w", err)
	}
	return &a, nil
}
