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

// InvoiceLineInput is one billed line when drafting an invoice. LineTotal is
// derived: money(quantity * rate) + tax.
type InvoiceLineInput struct {
	ItemID          *uuid.UUID      `json:"item_id,omitempty"`
	GodownID        *uuid.UUID      `json:"godown_id,omitempty"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
	RevenueLedgerID uuid.UUID       `json:"revenue_ledger_id"`
	TaxLedgerID     *uuid.UUID      `json:"tax_ledger_id,omitempty"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
}

type CreateInvoiceInput struct {
	PartyID         uuid.UUID          `json:"party_id"`
	InvoiceType     InvoiceType        `json:"invoice_type"`
	InvoiceDate     time.Time          `json:"invoice_date"`
	DueDate         time.Time          `json:"due_date"`
	SalesOrderID    *uuid.UUID         `json:"sales_order_id,omitempty"`
	PurchaseOrderID *uuid.UUID         `json:"purchase_order_id,omitempty"`
	Lines           []InvoiceLineInput `json:"lines"`
}

// InvoiceService drafts and posts invoices. Posting an invoice is voucher
// posting: the service builds the balanced voucher (party control ledger on
// one side, revenue and tax on the other), declares stock intent for stock
// lines, and hands the voucher to the posting funnel. The invoice and its
// voucher are linked one to one.
type InvoiceService struct {
	pool    *pgxpool.Pool
	posting *PostingService
	credit  *CreditService
	logger  *zap.Logger
}

func NewInvoiceService(pool *pgxpool.Pool, posting *PostingService, credit *CreditService, logger *zap.Logger) *InvoiceService {
	return &InvoiceService{pool: pool, posting: posting, credit: credit, logger: logger}
}

// CreateInvoiceDraft allocates the invoice number and writes the DRAFT
// invoice with its lines in one transaction.
func (s *InvoiceService) CreateInvoiceDraft(ctx context.Context, principal Principal, input CreateInvoiceInput) (*Invoice, error) {
	if len(input.Lines) == 0 {
		return nil, E(ErrCodeTooFewLines, "invoice must have at least one line")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	prefix := "INV"
	if input.InvoiceType == InvoicePurchase {
		prefix = "PINV"
	}
	number, err := allocateSequenceTx(ctx, tx, principal.CompanyID,
		fmt.Sprintf("INVOICE:%s", input.InvoiceType), prefix)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	lineTotals := make([]decimal.Decimal, len(input.Lines))
	for i, line := range input.Lines {
		lineTotals[i] = Money(line.Quantity.Mul(line.Rate)).Add(Money(line.TaxAmount))
		total = total.Add(lineTotals[i])
	}

	var invoiceID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO invoices (company_id, party_id, invoice_type, invoice_number, sales_order_id, purchase_order_id,
		                      invoice_date, due_date, total_value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, input.PartyID, input.InvoiceType, number, input.SalesOrderID, input.PurchaseOrderID,
		input.InvoiceDate, input.DueDate, total).Scan(&invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	for i, line := range input.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_no, item_id, godown_id, description, quantity, rate,
			                           revenue_ledger_id, tax_ledger_id, tax_amount, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, invoiceID, i+1, line.ItemID, line.GodownID, line.Description, line.Quantity, line.Rate,
			line.RevenueLedgerID, line.TaxLedgerID, Money(line.TaxAmount), lineTotals[i])
		if err != nil {
			return nil, fmt.Errorf("failed to insert invoice line %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit invoice draft: %w", err)
	}

	return s.GetInvoice(ctx, principal.CompanyID, invoiceID)
}

// PostInvoice posts a DRAFT invoice. For sales invoices the party's credit
// limit is checked first; the generated voucher then goes through the posting
// funnel, which owns atomicity, numbering, inventory, and idempotency.
//
// The call is safe to retry: an idempotency key bound to this invoice's
// voucher replays the posted invoice, and a DRAFT invoice whose attached
// voucher already committed converges to POSTED instead of drafting a second
// voucher.
func (s *InvoiceService) PostInvoice(ctx context.Context, invoiceID uuid.UUID, principal Principal, opts PostOptions) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, principal.CompanyID, invoiceID)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case InvoiceDraft:
		// proceed
	case InvoicePosted, InvoicePartiallyPaid, InvoicePaid:
		// The idempotency key arbitrates before the status guard: a retry
		// of the post that produced this invoice gets the original result.
		if opts.IdempotencyKey != "" && inv.VoucherID != nil {
			bound, err := s.posting.lookupIdempotency(ctx, principal.CompanyID, opts.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if bound != nil {
				if *bound != *inv.VoucherID {
					return nil, E(ErrCodeIdempotencyConflict,
						"idempotency key %q is already bound to a different voucher", opts.IdempotencyKey)
				}
				return inv, nil
			}
		}
		return nil, E(ErrCodeAlreadyPosted, "invoice %s is already posted", inv.InvoiceNumber)
	default:
		return nil, E(ErrCodeInvalidVoucherState, "invoice %s is %s, must be DRAFT", inv.InvoiceNumber, inv.Status)
	}

	voucherID := inv.VoucherID
	if voucherID == nil {
		party, err := loadParty(ctx, s.pool, principal.CompanyID, inv.PartyID)
		if err != nil {
			return nil, err
		}
		if inv.InvoiceType == InvoiceSales {
			if err := s.credit.CheckCredit(ctx, party, inv.TotalValue); err != nil {
				return nil, err
			}
		}

		voucherInput, err := s.buildVoucherInput(ctx, inv, party)
		if err != nil {
			return nil, err
		}
		draft, err := s.posting.CreateVoucherDraft(ctx, principal, voucherInput)
		if err != nil {
			return nil, err
		}

		_, err = s.pool.Exec(ctx,
			"UPDATE invoices SET voucher_id = $1 WHERE id = $2 AND status = 'DRAFT' AND voucher_id IS NULL",
			draft.ID, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to attach voucher to invoice: %w", err)
		}
		voucherID = &draft.ID
	}

	// An attached voucher is reused, never redrafted: if an earlier attempt
	// crashed between the voucher commit and the invoice status flip, this
	// pass finishes the flip.
	if _, err := s.posting.PostVoucher(ctx, *voucherID, principal, opts); err != nil {
		if !IsCode(err, ErrCodeAlreadyPosted) {
			return nil, err
		}
	}

	_, err = s.pool.Exec(ctx, "UPDATE invoices SET status = 'POSTED' WHERE id = $1 AND status = 'DRAFT'", inv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark invoice posted: %w", err)
	}

	if err := s.markOrderInvoiced(ctx, inv); err != nil {
		s.logger.Error("order status update after invoice post failed",
			zap.String("invoice_id", inv.ID.String()), zap.Error(err))
	}

	return s.GetInvoice(ctx, principal.CompanyID, invoiceID)
}

// buildVoucherInput translates an invoice into a balanced voucher draft.
// Sales: DR party control ledger, CR revenue and tax. Purchase: mirrored.
// Lines with an item and a godown also declare stock intent.
func (s *InvoiceService) buildVoucherInput(ctx context.Context, inv *Invoice, party *Party) (CreateVoucherInput, error) {
	var category VoucherCategory
	var direction EntryType // the party-side entry
	if inv.InvoiceType == InvoiceSales {
		category, direction = CategorySales, EntryDR
	} else {
		category, direction = CategoryPurchase, EntryCR
	}

	vt, err := voucherTypeByCategory(ctx, s.pool, inv.CompanyID, category)
	if err != nil {
		return CreateVoucherInput{}, err
	}
	fy, err := currentFinancialYear(ctx, s.pool, inv.CompanyID)
	if err != nil {
		return CreateVoucherInput{}, err
	}

	counter := EntryCR
	if direction == EntryCR {
		counter = EntryDR
	}

	input := CreateVoucherInput{
		VoucherTypeID:   vt.ID,
		FinancialYearID: fy.ID,
		Date:            inv.InvoiceDate,
		Narration:       fmt.Sprintf("%s invoice %s for %s", inv.InvoiceType, inv.InvoiceNumber, party.Name),
		Lines: []VoucherLineInput{
			{LedgerID: party.LedgerID, EntryType: direction, Amount: Money(inv.TotalValue)},
		},
	}

	for _, line := range inv.Lines {
		net := Money(line.LineTotal).Sub(Money(line.TaxAmount))
		if net.IsPositive() {
			input.Lines = append(input.Lines, VoucherLineInput{
				LedgerID: line.RevenueLedgerID, EntryType: counter, Amount: net,
			})
		}
		if line.TaxLedgerID != nil && line.TaxAmount.IsPositive() {
			input.Lines = append(input.Lines, VoucherLineInput{
				LedgerID: *line.TaxLedgerID, EntryType: counter, Amount: Money(line.TaxAmount),
			})
		}

		if line.ItemID != nil && line.GodownID != nil {
			req := StockRequestInput{
				ItemID:   *line.ItemID,
				Quantity: line.Quantity,
				Rate:     line.Rate,
			}
			if inv.InvoiceType == InvoiceSales {
				req.FromGodownID = line.GodownID
			} else {
				req.ToGodownID = line.GodownID
			}
			input.StockRequests = append(input.StockRequests, req)
		}
	}

	return input, nil
}

func (s *InvoiceService) markOrderInvoiced(ctx context.Context, inv *Invoice) error {
	if inv.SalesOrderID != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE sales_orders SET status = 'INVOICED', invoiced_at = now()
			WHERE id = $1 AND status = 'CONFIRMED'
		`, *inv.SalesOrderID)
		return err
	}
	if inv.PurchaseOrderID != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE purchase_orders SET status = 'INVOICED', invoiced_at = now()
			WHERE id = $1 AND status IN ('CONFIRMED', 'RECEIVED')
		`, *inv.PurchaseOrderID)
		return err
	}
	return nil
}

// RefreshOutstanding recomputes amount_received from allocations whose
// payment voucher is still POSTED, then re-derives the invoice status.
// DRAFT and CANCELLED invoices are left untouched.
func (s *InvoiceService) RefreshOutstanding(ctx context.Context, companyID, invoiceID uuid.UUID) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, companyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceDraft || inv.Status == InvoiceCancelled {
		return inv, nil
	}

	var received decimal.Decimal
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pl.amount_applied), 0)
		FROM payment_lines pl
		JOIN payments p ON p.id = pl.payment_id
		JOIN vouchers v ON v.id = p.voucher_id
		WHERE pl.invoice_id = $1 AND v.status = 'POSTED'
	`, invoiceID).Scan(&received)
	if err != nil {
		return nil, fmt.Errorf("failed to sum invoice allocations: %w", err)
	}
	received = Money(received)

	status := InvoicePosted
	switch {
	case received.GreaterThanOrEqual(Money(inv.TotalValue)):
		status = InvoicePaid
	case received.IsPositive():
		status = InvoicePartiallyPaid
	}

	_, err = s.pool.Exec(ctx,
		"UPDATE invoices SET amount_received = $1, status = $2 WHERE id = $3",
		received, status, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to update invoice outstanding: %w", err)
	}

	return s.GetInvoice(ctx, companyID, invoiceID)
}

// GetInvoice returns an invoice with its lines, scoped to the company.
func (s *InvoiceService) GetInvoice(ctx context.Context, companyID, invoiceID uuid.UUID) (*Invoice, error) {
	var inv Invoice
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, party_id, invoice_type, invoice_number, sales_order_id, purchase_order_id,
		       voucher_id, invoice_date, due_date, total_value, amount_received, status
		FROM invoices
		WHERE id = $1 AND company_id = $2
	`, invoiceID, companyID).Scan(
		&inv.ID, &inv.CompanyID, &inv.PartyID, &inv.InvoiceType, &inv.InvoiceNumber,
		&inv.SalesOrderID, &inv.PurchaseOrderID, &inv.VoucherID,
		&inv.InvoiceDate, &inv.DueDate, &inv.TotalValue, &inv.AmountReceived, &inv.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "invoice %s not found", invoiceID)
		}
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, line_no, item_id, godown_id, description, quantity, rate,
		       revenue_ledger_id, tax_ledger_id, tax_amount, line_total
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_no
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNo, &l.ItemID, &l.GodownID, &l.Description,
			&l.Quantity, &l.Rate, &l.RevenueLedgerID, &l.TaxLedgerID, &l.TaxAmount, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, l)
	}

	return &inv, nil
}

// OutstandingInvoices lists open invoices, oldest due first. partyID narrows
// to one party when non-nil.
func (s *InvoiceService) OutstandingInvoices(ctx context.Context, companyID uuid.UUID, partyID *uuid.UUID) ([]Invoice, error) {
	query := `
		SELECT id, company_id, party_id, invoice_type, invoice_number, sales_order_id, purchase_order_id,
		       voucher_id, invoice_date, due_date, total_value, amount_received, status
		FROM invoices
		WHERE company_id = $1 AND status IN ('POSTED', 'PARTIALLY_PAID')`
	args := []any{companyID}
	if partyID != nil {
		args = append(args, *partyID)
		query += " AND party_id = $2"
	}
	query += " ORDER BY due_date ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ID, &inv.CompanyID, &inv.PartyID, &inv.InvoiceType, &inv.InvoiceNumber,
			&inv.SalesOrderID, &inv.PurchaseOrderID, &inv.VoucherID,
			&inv.InvoiceDate, &inv.DueDate, &inv.TotalValue, &inv.AmountReceived, &inv.Status,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func (s *InvoiceService) invoicesForPayment(ctx context.Context, paymentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT invoice_id FROM payment_lines WHERE payment_id = $1", paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment allocations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ── Shared lookups ───────────────────────────────────────────────────────────

func voucherTypeByCategory(ctx context.Context, q pgxQuerier, companyID uuid.UUID, category VoucherCategory) (*VoucherType, error) {
	var vt VoucherType
	err := q.QueryRow(ctx, `
		SELECT id, company_id, code, name, category, is_accounting, is_inventory, is_active
		FROM voucher_types
		WHERE company_id = $1 AND category = $2 AND is_active
		ORDER BY code
		LIMIT 1
	`, companyID, category).Scan(&vt.ID, &vt.CompanyID, &vt.Code, &vt.Name, &vt.Category, &vt.IsAccounting, &vt.IsInventory, &vt.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "no active voucher type with category %s", category)
		}
		return nil, fmt.Errorf("failed to load voucher type by category: %w", err)
	}
	return &vt, nil
}

func currentFinancialYear(ctx context.Context, q pgxQuerier, companyID uuid.UUID) (*FinancialYear, error) {
	var fy FinancialYear
	err := q.QueryRow(ctx, `
		SELECT id, company_id, name, start_date, end_date, is_current, is_closed
		FROM financial_years
		WHERE company_id = $1 AND is_current
	`, companyID).Scan(&fy.ID, &fy.CompanyID, &fy.Name, &fy.StartDate, &fy.EndDate, &fy.IsCurrent, &fy.IsClosed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeFYNotCurrent, "company %s has no current financial year", companyID)
		}
		return nil, fmt.Errorf("failed to load current financial year: %w", err)
	}
	return &fy, nil
}
