package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreatePaymentInput struct {
	PartyID      uuid.UUID       `json:"party_id"`
	PaymentType  PaymentType     `json:"payment_type"`
	BankLedgerID uuid.UUID       `json:"bank_ledger_id"`
	PaymentMode  string          `json:"payment_mode"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
}

// PaymentService handles receipts and payments against parties. Each payment
// owns exactly one voucher (RECEIPT: DR bank / CR party; PAYMENT mirrored).
// Allocations to invoices are edited only while the payment is DRAFT; posting
// freezes them and settles the allocated invoices.
type PaymentService struct {
	pool     *pgxpool.Pool
	posting  *PostingService
	invoices *InvoiceService
	logger   *zap.Logger
}

func NewPaymentService(pool *pgxpool.Pool, posting *PostingService, invoices *InvoiceService, logger *zap.Logger) *PaymentService {
	return &PaymentService{pool: pool, posting: posting, invoices: invoices, logger: logger}
}

// CreatePaymentDraft writes the payment and its backing draft voucher in one
// transaction.
func (s *PaymentService) CreatePaymentDraft(ctx context.Context, principal Principal, input CreatePaymentInput) (*Payment, error) {
	if !input.Amount.IsPositive() {
		return nil, E(ErrCodeNonPositiveAmount, "payment amount must be positive, got %s", input.Amount)
	}

	party, err := loadParty(ctx, s.pool, principal.CompanyID, input.PartyID)
	if err != nil {
		return nil, err
	}

	var category VoucherCategory
	if input.PaymentType == PaymentIn {
		category = CategoryReceipt
	} else {
		category = CategoryPayment
	}
	vt, err := voucherTypeByCategory(ctx, s.pool, principal.CompanyID, category)
	if err != nil {
		return nil, err
	}
	fy, err := currentFinancialYear(ctx, s.pool, principal.CompanyID)
	if err != nil {
		return nil, err
	}

	amount := Money(input.Amount)
	bankEntry, partyEntry := EntryDR, EntryCR
	if input.PaymentType == PaymentOut {
		bankEntry, partyEntry = EntryCR, EntryDR
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var voucherID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO vouchers (company_id, voucher_type_id, financial_year_id, voucher_date, narration, status)
		VALUES ($1, $2, $3, $4, $5, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, vt.ID, fy.ID, input.Date,
		fmt.Sprintf("%s from %s (%s %s)", input.PaymentType, party.Name, input.PaymentMode, input.Reference),
	).Scan(&voucherID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment voucher: %w", err)
	}

	lines := []struct {
		ledgerID  uuid.UUID
		entryType EntryType
	}{
		{input.BankLedgerID, bankEntry},
		{party.LedgerID, partyEntry},
	}
	for i, line := range lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO voucher_lines (voucher_id, line_no, ledger_id, entry_type, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, voucherID, i+1, line.ledgerID, line.entryType, amount)
		if err != nil {
			return nil, fmt.Errorf("failed to insert payment voucher line %d: %w", i+1, err)
		}
	}

	var paymentID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO payments (company_id, party_id, voucher_id, payment_type, bank_ledger_id, payment_mode, reference, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, input.PartyID, voucherID, input.PaymentType,
		input.BankLedgerID, input.PaymentMode, input.Reference, amount).Scan(&paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payment draft: %w", err)
	}

	return s.GetPayment(ctx, principal.CompanyID, paymentID)
}

// AllocatePayment applies part of a DRAFT payment against an open invoice.
// The allocation may neither exceed the payment's unallocated remainder nor
// the invoice's outstanding amount.
func (s *PaymentService) AllocatePayment(ctx context.Context, principal Principal, paymentID, invoiceID uuid.UUID, amount decimal.Decimal) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, E(ErrCodeNonPositiveAmount, "allocation amount must be positive, got %s", amount)
	}
	amount = Money(amount)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPaymentTx(ctx, tx, principal.CompanyID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != VoucherDraft {
		return nil, E(ErrCodeInvalidPaymentState, "payment %s is %s, allocations require DRAFT", paymentID, p.Status)
	}

	var allocated decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount_applied), 0) FROM payment_lines WHERE payment_id = $1",
		paymentID).Scan(&allocated)
	if err != nil {
		return nil, fmt.Errorf("failed to sum payment allocations: %w", err)
	}
	if Money(allocated).Add(amount).GreaterThan(Money(p.Amount)) {
		return nil, ED(ErrCodeOverAllocation,
			map[string]any{"payment_amount": Money(p.Amount).StringFixed(2), "allocated": Money(allocated).StringFixed(2)},
			"allocation %s exceeds payment remainder %s", amount.StringFixed(2), Money(p.Amount).Sub(Money(allocated)).StringFixed(2))
	}

	inv, err := s.invoices.GetInvoice(ctx, principal.CompanyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.PartyID != p.PartyID {
		return nil, E(ErrCodeCrossCompanyRef, "invoice %s belongs to a different party", inv.InvoiceNumber)
	}
	if inv.Status != InvoicePosted && inv.Status != InvoicePartiallyPaid {
		return nil, E(ErrCodeInvalidVoucherState, "invoice %s is %s, must be open", inv.InvoiceNumber, inv.Status)
	}
	// Allocations from other DRAFT payments count against the outstanding
	// amount too, otherwise parallel drafts could collectively settle more
	// than the invoice total.
	var pendingDraft decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(pl.amount_applied), 0)
		FROM payment_lines pl
		JOIN payments p ON p.id = pl.payment_id
		WHERE pl.invoice_id = $1 AND p.status = 'DRAFT'
	`, invoiceID).Scan(&pendingDraft)
	if err != nil {
		return nil, fmt.Errorf("failed to sum draft allocations for invoice: %w", err)
	}
	if Money(pendingDraft).Add(amount).GreaterThan(inv.Outstanding()) {
		return nil, ED(ErrCodeOverAllocation,
			map[string]any{
				"invoice_outstanding": inv.Outstanding().StringFixed(2),
				"draft_allocations":   Money(pendingDraft).StringFixed(2),
			},
			"allocation %s exceeds outstanding %s on invoice %s", amount.StringFixed(2), inv.Outstanding().Sub(Money(pendingDraft)).StringFixed(2), inv.InvoiceNumber)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_lines (payment_id, invoice_id, amount_applied)
		VALUES ($1, $2, $3)
	`, paymentID, invoiceID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit allocation: %w", err)
	}

	return s.GetPayment(ctx, principal.CompanyID, paymentID)
}

// RemoveAllocation deletes one allocation line from a DRAFT payment.
func (s *PaymentService) RemoveAllocation(ctx context.Context, principal Principal, paymentID, lineID uuid.UUID) (*Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := lockPaymentTx(ctx, tx, principal.CompanyID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != VoucherDraft {
		return nil, E(ErrCodeInvalidPaymentState, "payment %s is %s, allocations require DRAFT", paymentID, p.Status)
	}

	tag, err := tx.Exec(ctx,
		"DELETE FROM payment_lines WHERE id = $1 AND payment_id = $2", lineID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete payment allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, E(ErrCodeNotFound, "allocation %s not found on payment %s", lineID, paymentID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit allocation removal: %w", err)
	}

	return s.GetPayment(ctx, principal.CompanyID, paymentID)
}

// PostPayment posts the payment's voucher through the posting funnel, then
// settles each allocated invoice. Invoice refresh runs post-commit best
// effort; a missed refresh is repaired by the next RefreshOutstanding call.
func (s *PaymentService) PostPayment(ctx context.Context, paymentID uuid.UUID, principal Principal, opts PostOptions) (*Payment, error) {
	p, err := s.GetPayment(ctx, principal.CompanyID, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case VoucherDraft:
		// proceed
	case VoucherPosted:
		// The idempotency key arbitrates before the status guard: a retry
		// of the post that settled this payment gets the original result.
		if opts.IdempotencyKey != "" {
			bound, err := s.posting.lookupIdempotency(ctx, principal.CompanyID, opts.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if bound != nil {
				if *bound != p.VoucherID {
					return nil, E(ErrCodeIdempotencyConflict,
						"idempotency key %q is already bound to a different voucher", opts.IdempotencyKey)
				}
				return p, nil
			}
		}
		return nil, E(ErrCodeAlreadyPosted, "payment %s is already posted", paymentID)
	default:
		return nil, E(ErrCodeInvalidPaymentState, "payment %s is %s, must be DRAFT", paymentID, p.Status)
	}

	// A voucher that committed on an earlier crashed attempt converges here:
	// the status flip and settlement below still run.
	if _, err := s.posting.PostVoucher(ctx, p.VoucherID, principal, opts); err != nil {
		if !IsCode(err, ErrCodeAlreadyPosted) {
			return nil, err
		}
	}

	_, err = s.pool.Exec(ctx,
		"UPDATE payments SET status = 'POSTED' WHERE id = $1", paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment posted: %w", err)
	}

	for _, line := range p.Lines {
		if _, err := s.invoices.RefreshOutstanding(ctx, principal.CompanyID, line.InvoiceID); err != nil {
			s.logger.Error("invoice refresh after payment post failed",
				zap.String("payment_id", paymentID.String()),
				zap.String("invoice_id", line.InvoiceID.String()),
				zap.Error(err))
		}
	}

	return s.GetPayment(ctx, principal.CompanyID, paymentID)
}

// GetPayment returns a payment with its allocation lines.
func (s *PaymentService) GetPayment(ctx context.Context, companyID, paymentID uuid.UUID) (*Payment, error) {
	p, err := fetchPayment(ctx, s.pool, companyID, paymentID, false)
	if err != nil {
		return nil, err
	}
	lines, err := fetchPaymentLines(ctx, s.pool, paymentID)
	if err != nil {
		return nil, err
	}
	p.Lines = lines
	return p, nil
}

func lockPaymentTx(ctx context.Context, tx pgx.Tx, companyID, paymentID uuid.UUID) (*Payment, error) {
	return fetchPayment(ctx, tx, companyID, paymentID, true)
}

func fetchPayment(ctx context.Context, q pgxQuerier, companyID, paymentID uuid.UUID, forUpdate bool) (*Payment, error) {
	query := `
		SELECT id, company_id, party_id, voucher_id, payment_type, bank_ledger_id, payment_mode, reference, amount, status
		FROM payments
		WHERE id = $1 AND company_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var p Payment
	err := q.QueryRow(ctx, query, paymentID, companyID).Scan(
		&p.ID, &p.CompanyID, &p.PartyID, &p.VoucherID, &p.PaymentType,
		&p.BankLedgerID, &p.PaymentMode, &p.Reference, &p.Amount, &p.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "payment %s not found", paymentID)
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &p, nil
}

func fetchPaymentLines(ctx context.Context, q pgxRowQuerier, paymentID uuid.UUID) ([]PaymentLine, error) {
	rows, err := q.Query(ctx, `
		SELECT id, payment_id, invoice_id, amount_applied
		FROM payment_lines
		WHERE payment_id = $1
		ORDER BY id
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment lines: %w", err)
	}
	defer rows.Close()

	var lines []PaymentLine
	for rows.Next() {
		var l PaymentLine
		if err := rows.Scan(&l.ID, &l.PaymentID, &l.InvoiceID, &l.AmountApplied); err != nil {
			return nil, fmt.Errorf("failed to scan payment line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}
