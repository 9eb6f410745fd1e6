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

type OrderLineInput struct {
	ItemID   uuid.UUID       `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	TaxRate  decimal.Decimal `json:"tax_rate"`
}

type CreateOrderInput struct {
	PartyID   uuid.UUID        `json:"party_id"`
	OrderDate time.Time        `json:"order_date"`
	Notes     string           `json:"notes"`
	Lines     []OrderLineInput `json:"lines"`
}

// GenerateInvoiceInput carries the billing context an order cannot know:
// which ledgers to book against and which godown fulfills stock lines.
type GenerateInvoiceInput struct {
	InvoiceDate     time.Time  `json:"invoice_date"`
	GodownID        *uuid.UUID `json:"godown_id,omitempty"`
	RevenueLedgerID uuid.UUID  `json:"revenue_ledger_id"`
	TaxLedgerID     *uuid.UUID `json:"tax_ledger_id,omitempty"`
}

// ReceiveGoodsInput books a goods receipt against a confirmed purchase order.
type ReceiveGoodsInput struct {
	Date              time.Time `json:"date"`
	GodownID          uuid.UUID `json:"godown_id"`
	InventoryLedgerID uuid.UUID `json:"inventory_ledger_id"`
	AccrualLedgerID   uuid.UUID `json:"accrual_ledger_id"`
}

// OrderService runs the sales and purchase order lifecycles. Orders are
// commercial intent, not financial events: nothing touches the books until an
// invoice or goods receipt posts a voucher. Confirmation is where the gates
// live: the approval gate for both kinds, credit and stock checks for sales.
type OrderService struct {
	pool      *pgxpool.Pool
	stock     *StockService
	credit    *CreditService
	approvals *ApprovalService
	invoices  *InvoiceService
	posting   *PostingService
	audit     *AuditService
	events    *EventService
	logger    *zap.Logger
}

func NewOrderService(pool *pgxpool.Pool, stock *StockService, credit *CreditService, approvals *ApprovalService, invoices *InvoiceService, posting *PostingService, audit *AuditService, events *EventService, logger *zap.Logger) *OrderService {
	return &OrderService{
		pool: pool, stock: stock, credit: credit, approvals: approvals,
		invoices: invoices, posting: posting, audit: audit, events: events, logger: logger,
	}
}

func orderLineTotal(line OrderLineInput) decimal.Decimal {
	net := Money(line.Quantity.Mul(line.Rate))
	tax := Money(net.Mul(line.TaxRate).Div(decimal.NewFromInt(100)))
	return net.Add(tax)
}

// ── Sales orders ─────────────────────────────────────────────────────────────

func (s *OrderService) CreateSalesOrder(ctx context.Context, principal Principal, input CreateOrderInput) (*SalesOrder, error) {
	if len(input.Lines) == 0 {
		return nil, E(ErrCodeTooFewLines, "order must have at least one line")
	}
	if _, err := loadParty(ctx, s.pool, principal.CompanyID, input.PartyID); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	total := decimal.Zero
	for _, line := range input.Lines {
		total = total.Add(orderLineTotal(line))
	}

	var orderID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO sales_orders (company_id, party_id, order_date, total_value, notes, status)
		VALUES ($1, $2, $3, $4, $5, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, input.PartyID, input.OrderDate, total, input.Notes).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sales order: %w", err)
	}

	for i, line := range input.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_lines (sales_order_id, line_no, item_id, quantity, rate, tax_rate, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, orderID, i+1, line.ItemID, line.Quantity, line.Rate, line.TaxRate, orderLineTotal(line))
		if err != nil {
			return nil, fmt.Errorf("failed to insert order line %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sales order: %w", err)
	}
	return s.GetSalesOrder(ctx, principal.CompanyID, orderID)
}

// AddSalesOrderItem appends a line to a DRAFT sales order and re-totals it.
func (s *OrderService) AddSalesOrderItem(ctx context.Context, principal Principal, orderID uuid.UUID, line OrderLineInput) (*SalesOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderStatusTx(ctx, tx, "sales_orders", principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderDraft {
		return nil, E(ErrCodeInvalidOrderState, "sales order %s is %s, lines require DRAFT", orderID, status)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_lines (sales_order_id, line_no, item_id, quantity, rate, tax_rate, line_total)
		VALUES ($1,
		        (SELECT COALESCE(MAX(line_no), 0) + 1 FROM order_lines WHERE sales_order_id = $1),
		        $2, $3, $4, $5, $6)
	`, orderID, line.ItemID, line.Quantity, line.Rate, line.TaxRate, orderLineTotal(line))
	if err != nil {
		return nil, fmt.Errorf("failed to insert order line: %w", err)
	}

	if err := retotalOrderTx(ctx, tx, "sales_orders", "sales_order_id", orderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order line: %w", err)
	}
	return s.GetSalesOrder(ctx, principal.CompanyID, orderID)
}

// ConfirmSalesOrder moves DRAFT to CONFIRMED. The approval gate, the party's
// credit limit, and on-hand stock for every line must all pass; the order
// number is allocated here so cancelled drafts never consume one.
func (s *OrderService) ConfirmSalesOrder(ctx context.Context, principal Principal, orderID uuid.UUID) (*SalesOrder, error) {
	order, err := s.GetSalesOrder(ctx, principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}

	party, err := loadParty(ctx, s.pool, principal.CompanyID, order.PartyID)
	if err != nil {
		return nil, err
	}
	if err := s.credit.CheckCredit(ctx, party, order.TotalValue); err != nil {
		return nil, err
	}
	for _, line := range order.Lines {
		onHand, err := s.stock.QuantityOnHandAllGodowns(ctx, principal.CompanyID, line.ItemID)
		if err != nil {
			return nil, err
		}
		if onHand.LessThan(line.Quantity) {
			return nil, ED(ErrCodeInsufficientStock,
				map[string]any{"item_id": line.ItemID.String(), "requested": line.Quantity.String(), "available": onHand.String()},
				"insufficient stock for item %s: requested %s, available %s", line.ItemID, line.Quantity, onHand)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderStatusTx(ctx, tx, "sales_orders", principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderDraft {
		return nil, E(ErrCodeInvalidOrderState, "sales order %s is %s, must be DRAFT", orderID, status)
	}

	if err := s.approvals.gateSatisfiedTx(ctx, tx, principal.CompanyID, TargetSalesOrder, orderID, Money(order.TotalValue)); err != nil {
		return nil, err
	}

	number, err := allocateSequenceTx(ctx, tx, principal.CompanyID, "ORDER:SALES", "SO")
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE sales_orders SET status = 'CONFIRMED', order_number = $1, confirmed_at = now()
		WHERE id = $2
	`, number, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm sales order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order confirmation: %w", err)
	}

	s.afterOrderTransition(ctx, principal, "sales_order", orderID, "CONFIRMED", "sales_order.confirmed", map[string]any{"order_number": number})
	return s.GetSalesOrder(ctx, principal.CompanyID, orderID)
}

// CancelSalesOrder cancels a DRAFT or CONFIRMED order with a reason.
func (s *OrderService) CancelSalesOrder(ctx context.Context, principal Principal, orderID uuid.UUID, reason string) (*SalesOrder, error) {
	if err := s.cancelOrder(ctx, principal, "sales_orders", orderID, reason, []OrderStatus{OrderDraft, OrderConfirmed}); err != nil {
		return nil, err
	}
	s.afterOrderTransition(ctx, principal, "sales_order", orderID, "CANCELLED", "sales_order.cancelled", map[string]any{"reason": reason})
	return s.GetSalesOrder(ctx, principal.CompanyID, orderID)
}

// GenerateSalesInvoice drafts a sales invoice from a CONFIRMED order. The due
// date follows the party's credit days. Posting the invoice flips the order
// to INVOICED.
func (s *OrderService) GenerateSalesInvoice(ctx context.Context, principal Principal, orderID uuid.UUID, input GenerateInvoiceInput) (*Invoice, error) {
	order, err := s.GetSalesOrder(ctx, principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderConfirmed {
		return nil, E(ErrCodeInvalidOrderState, "sales order %s is %s, must be CONFIRMED", orderID, order.Status)
	}
	party, err := loadParty(ctx, s.pool, principal.CompanyID, order.PartyID)
	if err != nil {
		return nil, err
	}

	invInput := CreateInvoiceInput{
		PartyID:      order.PartyID,
		InvoiceType:  InvoiceSales,
		InvoiceDate:  input.InvoiceDate,
		DueDate:      input.InvoiceDate.AddDate(0, 0, party.CreditDays),
		SalesOrderID: &order.ID,
	}
	for _, line := range order.Lines {
		net := Money(line.Quantity.Mul(line.Rate))
		invInput.Lines = append(invInput.Lines, InvoiceLineInput{
			ItemID:          &line.ItemID,
			GodownID:        input.GodownID,
			Quantity:        line.Quantity,
			Rate:            line.Rate,
			RevenueLedgerID: input.RevenueLedgerID,
			TaxLedgerID:     input.TaxLedgerID,
			TaxAmount:       Money(line.LineTotal).Sub(net),
		})
	}
	return s.invoices.CreateInvoiceDraft(ctx, principal, invInput)
}

// ── Purchase orders ──────────────────────────────────────────────────────────

func (s *OrderService) CreatePurchaseOrder(ctx context.Context, principal Principal, input CreateOrderInput) (*PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return nil, E(ErrCodeTooFewLines, "order must have at least one line")
	}
	if _, err := loadParty(ctx, s.pool, principal.CompanyID, input.PartyID); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	total := decimal.Zero
	for _, line := range input.Lines {
		total = total.Add(orderLineTotal(line))
	}

	var orderID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO purchase_orders (company_id, party_id, order_date, total_value, notes, status)
		VALUES ($1, $2, $3, $4, $5, 'DRAFT')
		RETURNING id
	`, principal.CompanyID, input.PartyID, input.OrderDate, total, input.Notes).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase order: %w", err)
	}

	for i, line := range input.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_lines (purchase_order_id, line_no, item_id, quantity, rate, tax_rate, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, orderID, i+1, line.ItemID, line.Quantity, line.Rate, line.TaxRate, orderLineTotal(line))
		if err != nil {
			return nil, fmt.Errorf("failed to insert order line %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase order: %w", err)
	}
	return s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
}

// ConfirmPurchaseOrder moves DRAFT to CONFIRMED behind the approval gate.
// Purchases carry no credit or stock checks.
func (s *OrderService) ConfirmPurchaseOrder(ctx context.Context, principal Principal, orderID uuid.UUID) (*PurchaseOrder, error) {
	order, err := s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderStatusTx(ctx, tx, "purchase_orders", principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderDraft {
		return nil, E(ErrCodeInvalidOrderState, "purchase order %s is %s, must be DRAFT", orderID, status)
	}

	if err := s.approvals.gateSatisfiedTx(ctx, tx, principal.CompanyID, TargetPurchaseOrder, orderID, Money(order.TotalValue)); err != nil {
		return nil, err
	}

	number, err := allocateSequenceTx(ctx, tx, principal.CompanyID, "ORDER:PURCHASE", "PO")
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE purchase_orders SET status = 'CONFIRMED', order_number = $1, confirmed_at = now()
		WHERE id = $2
	`, number, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm purchase order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order confirmation: %w", err)
	}

	s.afterOrderTransition(ctx, principal, "purchase_order", orderID, "CONFIRMED", "purchase_order.confirmed", map[string]any{"order_number": number})
	return s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
}

func (s *OrderService) CancelPurchaseOrder(ctx context.Context, principal Principal, orderID uuid.UUID, reason string) (*PurchaseOrder, error) {
	if err := s.cancelOrder(ctx, principal, "purchase_orders", orderID, reason, []OrderStatus{OrderDraft, OrderConfirmed}); err != nil {
		return nil, err
	}
	s.afterOrderTransition(ctx, principal, "purchase_order", orderID, "CANCELLED", "purchase_order.cancelled", map[string]any{"reason": reason})
	return s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
}

// ReceiveGoods books the receipt of a CONFIRMED purchase order: a posted
// inventory voucher (DR inventory, CR GRN accrual) whose stock requests bring
// every ordered line into the receiving godown. The order becomes RECEIVED.
func (s *OrderService) ReceiveGoods(ctx context.Context, principal Principal, orderID uuid.UUID, input ReceiveGoodsInput) (*Voucher, error) {
	order, err := s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderConfirmed {
		return nil, E(ErrCodeInvalidOrderState, "purchase order %s is %s, must be CONFIRMED", orderID, order.Status)
	}

	vt, err := voucherTypeByCategory(ctx, s.pool, principal.CompanyID, CategoryPurchase)
	if err != nil {
		return nil, err
	}
	fy, err := currentFinancialYear(ctx, s.pool, principal.CompanyID)
	if err != nil {
		return nil, err
	}

	net := decimal.Zero
	voucherInput := CreateVoucherInput{
		VoucherTypeID:   vt.ID,
		FinancialYearID: fy.ID,
		Date:            input.Date,
		Narration:       fmt.Sprintf("Goods receipt against %s", orderDisplayNumber(order.OrderNumber, order.ID)),
	}
	for _, line := range order.Lines {
		lineNet := Money(line.Quantity.Mul(line.Rate))
		net = net.Add(lineNet)
		voucherInput.StockRequests = append(voucherInput.StockRequests, StockRequestInput{
			ItemID:     line.ItemID,
			ToGodownID: &input.GodownID,
			Quantity:   line.Quantity,
			Rate:       line.Rate,
		})
	}
	voucherInput.Lines = []VoucherLineInput{
		{LedgerID: input.InventoryLedgerID, EntryType: EntryDR, Amount: net},
		{LedgerID: input.AccrualLedgerID, EntryType: EntryCR, Amount: net},
	}

	draft, err := s.posting.CreateVoucherDraft(ctx, principal, voucherInput)
	if err != nil {
		return nil, err
	}
	posted, err := s.posting.PostVoucher(ctx, draft.ID, principal, PostOptions{})
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE purchase_orders SET status = 'RECEIVED', received_at = now()
		WHERE id = $1 AND status = 'CONFIRMED'
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order received: %w", err)
	}

	s.afterOrderTransition(ctx, principal, "purchase_order", orderID, "RECEIVED", "purchase_order.received",
		map[string]any{"voucher_id": posted.ID.String()})
	return posted, nil
}

// GeneratePurchaseInvoice drafts a purchase invoice from a CONFIRMED or
// RECEIVED order. Stock intent is omitted when goods were already received.
func (s *OrderService) GeneratePurchaseInvoice(ctx context.Context, principal Principal, orderID uuid.UUID, input GenerateInvoiceInput) (*Invoice, error) {
	order, err := s.GetPurchaseOrder(ctx, principal.CompanyID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderConfirmed && order.Status != OrderReceived {
		return nil, E(ErrCodeInvalidOrderState, "purchase order %s is %s, must be CONFIRMED or RECEIVED", orderID, order.Status)
	}
	party, err := loadParty(ctx, s.pool, principal.CompanyID, order.PartyID)
	if err != nil {
		return nil, err
	}

	godown := input.GodownID
	if order.Status == OrderReceived {
		godown = nil
	}

	invInput := CreateInvoiceInput{
		PartyID:         order.PartyID,
		InvoiceType:     InvoicePurchase,
		InvoiceDate:     input.InvoiceDate,
		DueDate:         input.InvoiceDate.AddDate(0, 0, party.CreditDays),
		PurchaseOrderID: &order.ID,
	}
	for _, line := range order.Lines {
		net := Money(line.Quantity.Mul(line.Rate))
		invInput.Lines = append(invInput.Lines, InvoiceLineInput{
			ItemID:          &line.ItemID,
			GodownID:        godown,
			Quantity:        line.Quantity,
			Rate:            line.Rate,
			RevenueLedgerID: input.RevenueLedgerID,
			TaxLedgerID:     input.TaxLedgerID,
			TaxAmount:       Money(line.LineTotal).Sub(net),
		})
	}
	return s.invoices.CreateInvoiceDraft(ctx, principal, invInput)
}

// ── Selectors ────────────────────────────────────────────────────────────────

func (s *OrderService) GetSalesOrder(ctx context.Context, companyID, orderID uuid.UUID) (*SalesOrder, error) {
	var o SalesOrder
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, party_id, order_number, status, order_date, total_value, notes,
		       confirmed_at, invoiced_at, cancelled_at, cancel_reason
		FROM sales_orders
		WHERE id = $1 AND company_id = $2
	`, orderID, companyID).Scan(
		&o.ID, &o.CompanyID, &o.PartyID, &o.OrderNumber, &o.Status, &o.OrderDate, &o.TotalValue, &o.Notes,
		&o.ConfirmedAt, &o.InvoicedAt, &o.CancelledAt, &o.CancelReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "sales order %s not found", orderID)
		}
		return nil, fmt.Errorf("failed to load sales order: %w", err)
	}

	o.Lines, err = fetchOrderLines(ctx, s.pool, "sales_order_id", orderID)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderService) GetPurchaseOrder(ctx context.Context, companyID, orderID uuid.UUID) (*PurchaseOrder, error) {
	var o PurchaseOrder
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, party_id, order_number, status, order_date, total_value, notes,
		       confirmed_at, received_at, invoiced_at, cancelled_at, cancel_reason
		FROM purchase_orders
		WHERE id = $1 AND company_id = $2
	`, orderID, companyID).Scan(
		&o.ID, &o.CompanyID, &o.PartyID, &o.OrderNumber, &o.Status, &o.OrderDate, &o.TotalValue, &o.Notes,
		&o.ConfirmedAt, &o.ReceivedAt, &o.InvoicedAt, &o.CancelledAt, &o.CancelReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, E(ErrCodeNotFound, "purchase order %s not found", orderID)
		}
		return nil, fmt.Errorf("failed to load purchase order: %w", err)
	}

	o.Lines, err = fetchOrderLines(ctx, s.pool, "purchase_order_id", orderID)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ── Internals ────────────────────────────────────────────────────────────────

func (s *OrderService) cancelOrder(ctx context.Context, principal Principal, table string, orderID uuid.UUID, reason string, allowed []OrderStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderStatusTx(ctx, tx, table, principal.CompanyID, orderID)
	if err != nil {
		return err
	}
	ok := false
	for _, a := range allowed {
		if status == a {
			ok = true
			break
		}
	}
	if !ok {
		return E(ErrCodeInvalidOrderState, "order %s is %s and cannot be cancelled", orderID, status)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET status = 'CANCELLED', cancelled_at = now(), cancel_reason = $1 WHERE id = $2", table),
		reason, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return nil
}

func (s *OrderService) afterOrderTransition(ctx context.Context, principal Principal, objectType string, orderID uuid.UUID, action, eventType string, changes map[string]any) {
	if err := s.audit.Record(ctx, AuditEntry{
		CompanyID:  principal.CompanyID,
		Actor:      principal.UserID,
		ActionType: action,
		ObjectType: objectType,
		ObjectID:   &orderID,
		Changes:    changes,
	}); err != nil {
		s.logger.Error("order audit write failed", zap.String("order_id", orderID.String()), zap.Error(err))
	}

	payload := map[string]any{"order_id": orderID.String()}
	for k, v := range changes {
		payload[k] = v
	}
	if err := s.events.Enqueue(ctx, principal.CompanyID, eventType, payload, orderID); err != nil {
		s.logger.Error("order event enqueue failed", zap.String("order_id", orderID.String()), zap.Error(err))
	}
}

func lockOrderStatusTx(ctx context.Context, tx pgx.Tx, table string, companyID, orderID uuid.UUID) (OrderStatus, error) {
	var status OrderStatus
	err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT status FROM %s WHERE id = $1 AND company_id = $2 FOR UPDATE", table),
		orderID, companyID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", E(ErrCodeNotFound, "order %s not found", orderID)
		}
		return "", fmt.Errorf("failed to lock order: %w", err)
	}
	return status, nil
}

func retotalOrderTx(ctx context.Context, tx pgx.Tx, table, fkColumn string, orderID uuid.UUID) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET total_value = (
			SELECT COALESCE(SUM(line_total), 0) FROM order_lines WHERE %s = $1
		) WHERE id = $1
	`, table, fkColumn), orderID)
	if err != nil {
		return fmt.Errorf("failed to retotal order: %w", err)
	}
	return nil
}

func fetchOrderLines(ctx context.Context, q pgxRowQuerier, fkColumn string, orderID uuid.UUID) ([]OrderLine, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT id, sales_order_id, purchase_order_id, line_no, item_id, quantity, rate, tax_rate, line_total
		FROM order_lines
		WHERE %s = $1
		ORDER BY line_no
	`, fkColumn), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.SalesOrderID, &l.PurchaseOrderID, &l.LineNo, &l.ItemID, &l.Quantity, &l.Rate, &l.TaxRate, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func orderDisplayNumber(number *string, id uuid.UUID) string {
	if number != nil {
		return *number
	}
	return id.String()
}
