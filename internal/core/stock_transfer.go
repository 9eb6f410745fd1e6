package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StockTransferInput moves quantity of one item between godowns. The voucher
// is self-balancing on the clearing ledger since a transfer has no net
// financial effect.
type StockTransferInput struct {
	ItemID           uuid.UUID       `json:"item_id"`
	FromGodownID     uuid.UUID       `json:"from_godown_id"`
	ToGodownID       uuid.UUID       `json:"to_godown_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Rate             decimal.Decimal `json:"rate"`
	ClearingLedgerID uuid.UUID       `json:"clearing_ledger_id"`
	Date             time.Time       `json:"date"`
	Narration        string          `json:"narration"`
}

// CreateStockTransferDraft drafts a transfer voucher: one stock request with
// both endpoints set, expanded into a paired OUT and IN at post time. Posting
// goes through the ordinary funnel, so FIFO allocation and the balance upserts
// apply unchanged.
func (s *PostingService) CreateStockTransferDraft(ctx context.Context, principal Principal, input StockTransferInput) (*Voucher, error) {
	if input.FromGodownID == input.ToGodownID {
		return nil, E(ErrCodeInvalidMovementEndpoints, "transfer source and destination godown are the same")
	}
	if !input.Quantity.IsPositive() {
		return nil, E(ErrCodeNonPositiveAmount, "transfer quantity must be positive, got %s", input.Quantity)
	}

	vt, err := inventoryJournalType(ctx, s.pool, principal.CompanyID)
	if err != nil {
		return nil, err
	}
	fy, err := currentFinancialYear(ctx, s.pool, principal.CompanyID)
	if err != nil {
		return nil, err
	}

	value := Money(input.Quantity.Mul(input.Rate))
	return s.CreateVoucherDraft(ctx, principal, CreateVoucherInput{
		VoucherTypeID:   vt.ID,
		FinancialYearID: fy.ID,
		Date:            input.Date,
		Narration:       input.Narration,
		Lines: []VoucherLineInput{
			{LedgerID: input.ClearingLedgerID, EntryType: EntryDR, Amount: value},
			{LedgerID: input.ClearingLedgerID, EntryType: EntryCR, Amount: value},
		},
		StockRequests: []StockRequestInput{{
			ItemID:       input.ItemID,
			FromGodownID: &input.FromGodownID,
			ToGodownID:   &input.ToGodownID,
			Quantity:     input.Quantity,
			Rate:         input.Rate,
		}},
	})
}

// inventoryJournalType finds the journal voucher type that carries inventory,
// the type transfers post under.
func inventoryJournalType(ctx context.Context, q pgxQuerier, companyID uuid.UUID) (*VoucherType, error) {
	var vt VoucherType
	err := q.QueryRow(ctx, `
		SELECT id, company_id, code, name, category, is_accounting, is_inventory, is_active
		FROM voucher_types
		WHERE company_id = $1 AND category = 'JOURNAL' AND is_inventory AND is_active
		ORDER BY code
		LIMIT 1
	`, companyID).Scan(&vt.ID, &vt.CompanyID, &vt.Code, &vt.Name, &vt.Category, &vt.IsAccounting, &vt.IsInventory, &vt.IsActive)
	if err != nil {
		return nil, E(ErrCodeNotFound, "no active inventory journal voucher type for company %s", companyID)
	}
	return &vt, nil
}
