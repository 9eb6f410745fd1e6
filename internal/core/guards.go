package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Tenant and financial-year guards. Pure predicates over loaded rows; the
// only I/O here is the row fetch being validated. Every guard raises a coded
// error so callers and the HTTP layer can map it without string matching.

func guardCompanyActive(c *Company) error {
	if !c.IsActive {
		return E(ErrCodeCompanyInactive, "company %s is inactive", c.Code)
	}
	return nil
}

func guardCompanyUnlocked(c *Company, f *CompanyFeature) error {
	if f != nil && f.Locked {
		return E(ErrCodeCompanyLocked, "company %s is feature-locked", c.Code)
	}
	return nil
}

// guardFYOpen blocks posting into a closed financial year. The override path
// is honored only for principals carrying the ADMIN capability; anyone else
// passing allowOverride still gets FINANCIAL_YEAR_CLOSED.
func guardFYOpen(fy *FinancialYear, principal Principal, allowOverride bool) error {
	if !fy.IsClosed {
		return nil
	}
	if allowOverride && principal.Has(CapAdmin) {
		return nil
	}
	return E(ErrCodeFYClosed, "financial year %s is closed", fy.Name)
}

// guardDateInFY checks date ∈ [start_date, end_date], both inclusive.
func guardDateInFY(date time.Time, fy *FinancialYear) error {
	d := date.Truncate(24 * time.Hour)
	if d.Before(fy.StartDate) || d.After(fy.EndDate) {
		return E(ErrCodeDateOutsideFY,
			"date %s is outside financial year %s (%s to %s)",
			date.Format("2006-01-02"), fy.Name,
			fy.StartDate.Format("2006-01-02"), fy.EndDate.Format("2006-01-02"))
	}
	return nil
}

func guardVoucherTypeActive(vt *VoucherType) error {
	if !vt.IsActive {
		return E(ErrCodeVoucherTypeInactive, "voucher type %s is inactive", vt.Code)
	}
	return nil
}

func guardLedgerActive(l *Ledger) error {
	if !l.IsActive {
		return E(ErrCodeInvalidVoucherState, "ledger %s is inactive", l.Code)
	}
	return nil
}

// ── Row loaders (tx-scoped) ──────────────────────────────────────────────────

func loadCompany(ctx context.Context, q pgxQuerier, companyID uuid.UUID) (*Company, error) {
	var c Company
	err := q.QueryRow(ctx, `
		SELECT id, code, name, base_currency, is_active, created_at
		FROM companies WHERE id = $1
	`, companyID).Scan(&c.ID, &c.Code, &c.Name, &c.BaseCurrency, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "company %s not found", companyID)
		}
		return nil, fmt.Errorf("failed to load company: %w", err)
	}
	return &c, nil
}

func loadCompanyFeature(ctx context.Context, q pgxQuerier, companyID uuid.UUID) (*CompanyFeature, error) {
	var f CompanyFeature
	err := q.QueryRow(ctx, `
		SELECT company_id, inventory_enabled, accounting_enabled, locked, webhook_url
		FROM company_features WHERE company_id = $1
	`, companyID).Scan(&f.CompanyID, &f.InventoryEnabled, &f.AccountingEnabled, &f.Locked, &f.WebhookURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No feature row means no restrictions.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load company features: %w", err)
	}
	return &f, nil
}

func loadFinancialYear(ctx context.Context, q pgxQuerier, fyID uuid.UUID) (*FinancialYear, error) {
	var fy FinancialYear
	err := q.QueryRow(ctx, `
		SELECT id, company_id, name, start_date, end_date, is_current, is_closed
		FROM financial_years WHERE id = $1
	`, fyID).Scan(&fy.ID, &fy.CompanyID, &fy.Name, &fy.StartDate, &fy.EndDate, &fy.IsCurrent, &fy.IsClosed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "financial year %s not found", fyID)
		}
		return nil, fmt.Errorf("failed to load financial year: %w", err)
	}
	return &fy, nil
}

func loadVoucherType(ctx context.Context, q pgxQuerier, typeID uuid.UUID) (*VoucherType, error) {
	var vt VoucherType
	err := q.QueryRow(ctx, `
		SELECT id, company_id, code, name, category, is_accounting, is_inventory, is_active
		FROM voucher_types WHERE id = $1
	`, typeID).Scan(&vt.ID, &vt.CompanyID, &vt.Code, &vt.Name, &vt.Category, &vt.IsAccounting, &vt.IsInventory, &vt.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "voucher type %s not found", typeID)
		}
		return nil, fmt.Errorf("failed to load voucher type: %w", err)
	}
	return &vt, nil
}

func loadParty(ctx context.Context, q pgxQuerier, companyID, partyID uuid.UUID) (*Party, error) {
	var p Party
	err := q.QueryRow(ctx, `
		SELECT id, company_id, code, name, party_type, ledger_id, credit_limit, credit_days
		FROM parties WHERE id = $1 AND company_id = $2
	`, partyID, companyID).Scan(&p.ID, &p.CompanyID, &p.Code, &p.Name, &p.PartyType, &p.LedgerID, &p.CreditLimit, &p.CreditDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "party %s not found", partyID)
		}
		return nil, fmt.Errorf("failed to load party: %w", err)
	}
	return &p, nil
}
