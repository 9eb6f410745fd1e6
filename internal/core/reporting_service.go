package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TrialBalanceRow is one ledger's position in a financial year.
type TrialBalanceRow struct {
	LedgerID    uuid.UUID       `json:"ledger_id"`
	LedgerCode  string          `json:"ledger_code"`
	LedgerName  string          `json:"ledger_name"`
	AccountType AccountType     `json:"account_type"`
	BalanceDR   decimal.Decimal `json:"balance_dr"`
	BalanceCR   decimal.Decimal `json:"balance_cr"`
}

// TrialBalance is the full statement. On clean books TotalDR equals TotalCR.
type TrialBalance struct {
	CompanyID       uuid.UUID         `json:"company_id"`
	FinancialYearID uuid.UUID         `json:"financial_year_id"`
	Rows            []TrialBalanceRow `json:"rows"`
	TotalDR         decimal.Decimal   `json:"total_dr"`
	TotalCR         decimal.Decimal   `json:"total_cr"`
}

func (t *TrialBalance) IsBalanced() bool {
	return t.TotalDR.Equal(t.TotalCR)
}

// ReportingService reads the derived balance caches. It never recomputes
// from voucher lines: the posting transaction is the single writer of
// ledger_balances, so the cache is the statement.
type ReportingService struct {
	pool *pgxpool.Pool
}

func NewReportingService(pool *pgxpool.Pool) *ReportingService {
	return &ReportingService{pool: pool}
}

// LedgerBalance returns one ledger's cached position. A ledger that was
// never posted to reports zero balances.
func (s *ReportingService) LedgerBalance(ctx context.Context, companyID, ledgerID, fyID uuid.UUID) (*LedgerBalance, error) {
	var b LedgerBalance
	err := s.pool.QueryRow(ctx, `
		SELECT company_id, ledger_id, financial_year_id, balance_dr, balance_cr, last_posted_voucher_id
		FROM ledger_balances
		WHERE company_id = $1 AND ledger_id = $2 AND financial_year_id = $3
	`, companyID, ledgerID, fyID).Scan(
		&b.CompanyID, &b.LedgerID, &b.FinancialYearID, &b.BalanceDR, &b.BalanceCR, &b.LastPostedVoucherID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &LedgerBalance{
				CompanyID: companyID, LedgerID: ledgerID, FinancialYearID: fyID,
				BalanceDR: decimal.Zero, BalanceCR: decimal.Zero,
			}, nil
		}
		return nil, fmt.Errorf("failed to load ledger balance: %w", err)
	}
	return &b, nil
}

// TrialBalance lists every ledger with activity in the financial year.
func (s *ReportingService) TrialBalance(ctx context.Context, companyID, fyID uuid.UUID) (*TrialBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.code, l.name, l.account_type, b.balance_dr, b.balance_cr
		FROM ledger_balances b
		JOIN ledgers l ON l.id = b.ledger_id
		WHERE b.company_id = $1 AND b.financial_year_id = $2
		ORDER BY l.code
	`, companyID, fyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trial balance: %w", err)
	}
	defer rows.Close()

	tb := &TrialBalance{CompanyID: companyID, FinancialYearID: fyID, TotalDR: decimal.Zero, TotalCR: decimal.Zero}
	for rows.Next() {
		var r TrialBalanceRow
		if err := rows.Scan(&r.LedgerID, &r.LedgerCode, &r.LedgerName, &r.AccountType, &r.BalanceDR, &r.BalanceCR); err != nil {
			return nil, fmt.Errorf("failed to scan trial balance row: %w", err)
		}
		tb.Rows = append(tb.Rows, r)
		tb.TotalDR = tb.TotalDR.Add(r.BalanceDR)
		tb.TotalCR = tb.TotalCR.Add(r.BalanceCR)
	}
	return tb, nil
}
