package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ReverseOptions controls a voucher reversal. Date defaults to today and must
// fall inside the original voucher's financial year.
type ReverseOptions struct {
	Reason        string
	Date          *time.Time
	AllowOverride bool
}

// ReversalService undoes a posted voucher by posting a mirror voucher: every
// DR becomes a CR and vice versa, inventory movements are re-issued with
// swapped endpoints, and the original is marked REVERSED. The original's rows
// are never mutated beyond the status flip, so the trail stays append-only.
type ReversalService struct {
	pool     *pgxpool.Pool
	stock    *StockService
	invoices *InvoiceService
	audit    *AuditService
	events   *EventService
	logger   *zap.Logger
}

func NewReversalService(pool *pgxpool.Pool, stock *StockService, invoices *InvoiceService, audit *AuditService, events *EventService, logger *zap.Logger) *ReversalService {
	return &ReversalService{pool: pool, stock: stock, invoices: invoices, audit: audit, events: events, logger: logger}
}

// ReverseVoucher posts the mirror of a POSTED voucher and marks the original
// REVERSED, all in one transaction. The reversal voucher reuses the
// original's type, is dated per opts.Date (today when unset), and gets its
// own number from the same sequence.
func (s *ReversalService) ReverseVoucher(ctx context.Context, voucherID uuid.UUID, principal Principal, opts ReverseOptions) (*Voucher, error) {
	if !principal.Has(CapPoster) && !principal.Has(CapAdmin) {
		return nil, E(ErrCodeForbidden, "principal %s lacks the POSTER capability", principal.UserID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	original, err := lockVoucherTx(ctx, tx, principal.CompanyID, voucherID)
	if err != nil {
		return nil, err
	}

	switch original.Status {
	case VoucherPosted:
		// proceed
	case VoucherReversed:
		return nil, E(ErrCodeAlreadyReversed, "voucher %s is already reversed", voucherID)
	default:
		return nil, E(ErrCodeInvalidVoucherState, "voucher %s is %s, must be POSTED", voucherID, original.Status)
	}

	company, vt, fy, err := loadPostingContext(ctx, tx, original, principal, opts.AllowOverride)
	if err != nil {
		return nil, err
	}

	reversalDate := time.Now().UTC()
	if opts.Date != nil {
		reversalDate = *opts.Date
	}
	if err := guardDateInFY(reversalDate, fy); err != nil {
		return nil, err
	}

	reversal, err := insertReversalVoucherTx(ctx, tx, original, reversalDate, opts.Reason)
	if err != nil {
		return nil, err
	}

	number, err := AllocateVoucherNumber(ctx, tx, original.CompanyID, vt.Code, fy.ID)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE vouchers SET voucher_number = $1, posted_at = now() WHERE id = $2
	`, number, reversal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to number reversal voucher: %w", err)
	}
	reversal.VoucherNumber = &number

	if err := applyLedgerBalancesTx(ctx, tx, reversal, fy.ID); err != nil {
		return nil, err
	}

	if vt.IsInventory {
		if err := s.stock.ReverseMovementsTx(ctx, tx, original, reversal); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE vouchers
		SET status = 'REVERSED', reversed_voucher_id = $1, reversal_reason = $2, reversal_user = $3, reversed_at = now()
		WHERE id = $4
	`, reversal.ID, opts.Reason, principal.UserID, original.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark voucher reversed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reversal: %w", err)
	}

	s.afterReversal(ctx, company, original, reversal, principal, opts.Reason)

	return fetchVoucher(ctx, s.pool, principal.CompanyID, reversal.ID)
}

// insertReversalVoucherTx writes the mirror voucher as POSTED with every
// line's entry type swapped. Line order and amounts are preserved.
func insertReversalVoucherTx(ctx context.Context, tx pgx.Tx, original *Voucher, date time.Time, reason string) (*Voucher, error) {
	reversal := &Voucher{
		CompanyID:         original.CompanyID,
		VoucherTypeID:     original.VoucherTypeID,
		FinancialYearID:   original.FinancialYearID,
		VoucherDate:       date,
		Status:            VoucherPosted,
		ReversedVoucherID: &original.ID,
	}

	narration := fmt.Sprintf("Reversal of %s: %s", displayNumber(original), reason)
	err := tx.QueryRow(ctx, `
		INSERT INTO vouchers (company_id, voucher_type_id, financial_year_id, voucher_date, narration, status, reversed_voucher_id)
		VALUES ($1, $2, $3, $4, $5, 'POSTED', $6)
		RETURNING id, created_at
	`, reversal.CompanyID, reversal.VoucherTypeID, reversal.FinancialYearID, reversal.VoucherDate,
		narration, original.ID).Scan(&reversal.ID, &reversal.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reversal voucher: %w", err)
	}
	reversal.Narration = narration

	for _, line := range original.Lines {
		flipped := line
		flipped.VoucherID = reversal.ID
		if line.EntryType == EntryDR {
			flipped.EntryType = EntryCR
		} else {
			flipped.EntryType = EntryDR
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO voucher_lines (voucher_id, line_no, ledger_id, entry_type, amount, cost_center, against_voucher_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, reversal.ID, line.LineNo, line.LedgerID, flipped.EntryType, line.Amount, line.CostCenter, original.ID).Scan(&flipped.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert reversal line %d: %w", line.LineNo, err)
		}
		reversal.Lines = append(reversal.Lines, flipped)
	}

	return reversal, nil
}

// afterReversal runs the post-commit side effects: cancel the invoice backed
// by the reversed voucher, release payment allocations backed by it, and emit
// audit plus the outbound event. All best effort.
func (s *ReversalService) afterReversal(ctx context.Context, company *Company, original, reversal *Voucher, principal Principal, reason string) {
	if err := s.cancelBackedInvoices(ctx, original); err != nil {
		s.logger.Error("invoice cancellation after reversal failed",
			zap.String("voucher_id", original.ID.String()), zap.Error(err))
	}
	if err := s.releaseBackedPayments(ctx, original); err != nil {
		s.logger.Error("payment release after reversal failed",
			zap.String("voucher_id", original.ID.String()), zap.Error(err))
	}

	if err := s.audit.Record(ctx, AuditEntry{
		CompanyID:  company.ID,
		Actor:      principal.UserID,
		ActionType: "REVERSED",
		ObjectType: "voucher",
		ObjectID:   &original.ID,
		Changes: map[string]any{
			"reversal_voucher_id": reversal.ID.String(),
			"reversal_number":     displayNumber(reversal),
			"reason":              reason,
		},
	}); err != nil {
		s.logger.Error("post-commit audit write failed",
			zap.String("voucher_id", original.ID.String()), zap.Error(err))
	}

	if err := s.events.Enqueue(ctx, company.ID, "voucher.reversed", map[string]any{
		"voucher_id":          original.ID.String(),
		"voucher_number":      displayNumber(original),
		"reversal_voucher_id": reversal.ID.String(),
		"company_code":        company.Code,
		"reason":              reason,
	}, original.ID); err != nil {
		s.logger.Error("post-commit event enqueue failed",
			zap.String("voucher_id", original.ID.String()), zap.Error(err))
	}
}

// cancelBackedInvoices marks invoices whose posting voucher was reversed as
// CANCELLED so they fall out of outstanding and aging.
func (s *ReversalService) cancelBackedInvoices(ctx context.Context, original *Voucher) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = 'CANCELLED'
		WHERE company_id = $1 AND voucher_id = $2 AND status <> 'CANCELLED'
	`, original.CompanyID, original.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel invoices for voucher %s: %w", original.ID, err)
	}
	return nil
}

// releaseBackedPayments flips payments whose voucher was reversed to REVERSED
// and recomputes the outstanding of every invoice they were applied to. The
// recompute only counts allocations whose payment voucher is still POSTED, so
// the reversed payment drops out naturally.
func (s *ReversalService) releaseBackedPayments(ctx context.Context, original *Voucher) error {
	rows, err := s.pool.Query(ctx, `
		UPDATE payments SET status = 'REVERSED'
		WHERE company_id = $1 AND voucher_id = $2
		RETURNING id
	`, original.CompanyID, original.ID)
	if err != nil {
		return fmt.Errorf("failed to mark payments reversed: %w", err)
	}
	var paymentIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan payment id: %w", err)
		}
		paymentIDs = append(paymentIDs, id)
	}
	rows.Close()

	for _, paymentID := range paymentIDs {
		invoiceIDs, err := s.invoices.invoicesForPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		for _, invoiceID := range invoiceIDs {
			if _, err := s.invoices.RefreshOutstanding(ctx, original.CompanyID, invoiceID); err != nil {
				return err
			}
		}
	}
	return nil
}

func displayNumber(v *Voucher) string {
	if v.VoucherNumber != nil {
		return *v.VoucherNumber
	}
	return v.ID.String()
}
