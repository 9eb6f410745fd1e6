package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// FinancialYearService manages the year lifecycle. Closing a year stops
// ordinary posting into it; ADMIN principals can still post with the
// override flag, and can reopen the year outright.
type FinancialYearService struct {
	pool   *pgxpool.Pool
	audit  *AuditService
	logger *zap.Logger
}

func NewFinancialYearService(pool *pgxpool.Pool, audit *AuditService, logger *zap.Logger) *FinancialYearService {
	return &FinancialYearService{pool: pool, audit: audit, logger: logger}
}

// CloseFinancialYear marks the year closed. Requires ACCOUNTANT or ADMIN.
func (s *FinancialYearService) CloseFinancialYear(ctx context.Context, principal Principal, fyID uuid.UUID) (*FinancialYear, error) {
	if !principal.Has(CapAccountant) && !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the ACCOUNTANT capability", principal.UserID)
	}
	return s.setClosed(ctx, principal, fyID, true, "FY_CLOSED")
}

// ReopenFinancialYear clears the closed flag. Reopening undoes a period
// lock, so it stays ADMIN only.
func (s *FinancialYearService) ReopenFinancialYear(ctx context.Context, principal Principal, fyID uuid.UUID) (*FinancialYear, error) {
	if !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the ADMIN capability", principal.UserID)
	}
	return s.setClosed(ctx, principal, fyID, false, "FY_REOPENED")
}

func (s *FinancialYearService) setClosed(ctx context.Context, principal Principal, fyID uuid.UUID, closed bool, action string) (*FinancialYear, error) {
	fy, err := loadFinancialYear(ctx, s.pool, fyID)
	if err != nil {
		return nil, err
	}
	if fy.CompanyID != principal.CompanyID {
		return nil, E(ErrCodeCrossCompanyRef, "financial year %s belongs to another company", fy.Name)
	}
	if fy.IsClosed == closed {
		return fy, nil
	}

	_, err = s.pool.Exec(ctx,
		"UPDATE financial_years SET is_closed = $1 WHERE id = $2", closed, fyID)
	if err != nil {
		return nil, fmt.Errorf("failed to update financial year: %w", err)
	}
	fy.IsClosed = closed

	if err := s.audit.Record(ctx, AuditEntry{
		CompanyID:  principal.CompanyID,
		Actor:      principal.UserID,
		ActionType: action,
		ObjectType: "financial_year",
		ObjectID:   &fyID,
		Changes:    map[string]any{"name": fy.Name, "is_closed": closed},
	}); err != nil {
		s.logger.Error("financial year audit write failed",
			zap.String("financial_year_id", fyID.String()), zap.Error(err))
	}

	return fy, nil
}

// SetCurrentFinancialYear makes the year the company's current one. The
// partial unique index allows only one current year per company, so the old
// flag is cleared in the same transaction.
func (s *FinancialYearService) SetCurrentFinancialYear(ctx context.Context, principal Principal, fyID uuid.UUID) (*FinancialYear, error) {
	if !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the ADMIN capability", principal.UserID)
	}

	fy, err := loadFinancialYear(ctx, s.pool, fyID)
	if err != nil {
		return nil, err
	}
	if fy.CompanyID != principal.CompanyID {
		return nil, E(ErrCodeCrossCompanyRef, "financial year %s belongs to another company", fy.Name)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"UPDATE financial_years SET is_current = false WHERE company_id = $1 AND is_current", principal.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear current financial year: %w", err)
	}
	_, err = tx.Exec(ctx,
		"UPDATE financial_years SET is_current = true WHERE id = $1", fyID)
	if err != nil {
		return nil, fmt.Errorf("failed to set current financial year: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit current financial year change: %w", err)
	}
	fy.IsCurrent = true
	return fy, nil
}
