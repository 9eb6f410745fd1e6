package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CreditService enforces customer credit limits at order confirmation and
// invoice posting. Exposure is invoice-based: the sum of outstanding amounts
// on open sales invoices, not ledger balances, so unallocated receipts do not
// silently free up credit.
type CreditService struct {
	pool *pgxpool.Pool
}

func NewCreditService(pool *pgxpool.Pool) *CreditService {
	return &CreditService{pool: pool}
}

// OutstandingForParty returns the party's open sales-invoice exposure.
func (s *CreditService) OutstandingForParty(ctx context.Context, companyID, partyID uuid.UUID) (decimal.Decimal, error) {
	var outstanding decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_value - amount_received), 0)
		FROM invoices
		WHERE company_id = $1 AND party_id = $2
		  AND invoice_type = 'SALES'
		  AND status IN ('POSTED', 'PARTIALLY_PAID')
	`, companyID, partyID).Scan(&outstanding)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute party outstanding: %w", err)
	}
	return Money(outstanding), nil
}

// CheckCredit verifies that additional exposure fits the party's limit.
// A nil or non-positive limit means no credit control for the party.
func (s *CreditService) CheckCredit(ctx context.Context, party *Party, additional decimal.Decimal) error {
	if party.CreditLimit == nil || !party.CreditLimit.IsPositive() {
		return nil
	}

	outstanding, err := s.OutstandingForParty(ctx, party.CompanyID, party.ID)
	if err != nil {
		return err
	}

	limit := Money(*party.CreditLimit)
	if outstanding.Add(Money(additional)).GreaterThan(limit) {
		available := limit.Sub(outstanding)
		if available.IsNegative() {
			available = decimal.Zero
		}
		return ED(ErrCodeCreditLimitExceeded,
			map[string]any{
				"credit_limit":        limit.StringFixed(2),
				"current_outstanding": outstanding.StringFixed(2),
				"available":           available.StringFixed(2),
				"requested":           Money(additional).StringFixed(2),
			},
			"credit limit exceeded for party %s: outstanding %s + requested %s > limit %s",
			party.Code, outstanding.StringFixed(2), Money(additional).StringFixed(2), limit.StringFixed(2))
	}
	return nil
}
