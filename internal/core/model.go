package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ── Tenancy ──────────────────────────────────────────────────────────────────

type Company struct {
	ID           uuid.UUID `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	BaseCurrency string    `json:"base_currency"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// CompanyFeature holds per-company flags. Locked blocks all posting and reversal.
type CompanyFeature struct {
	CompanyID         uuid.UUID `json:"company_id"`
	InventoryEnabled  bool      `json:"inventory_enabled"`
	AccountingEnabled bool      `json:"accounting_enabled"`
	Locked            bool      `json:"locked"`
	WebhookURL        *string   `json:"webhook_url,omitempty"`
}

type FinancialYear struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	IsCurrent bool      `json:"is_current"`
	IsClosed  bool      `json:"is_closed"`
}

// ── Principal ────────────────────────────────────────────────────────────────

// Capability is a value, not a role name. A principal may hold several.
type Capability string

const (
	CapMaker      Capability = "MAKER"
	CapChecker    Capability = "CHECKER"
	CapPoster     Capability = "POSTER"
	CapAccountant Capability = "ACCOUNTANT"
	CapAdmin      Capability = "ADMIN"
)

// Principal is passed explicitly into every service call; there is no
// request-scoped ambient user. Selectors refuse calls without a company.
type Principal struct {
	UserID       string       `json:"user_id"`
	CompanyID    uuid.UUID    `json:"company_id"`
	Capabilities []Capability `json:"capabilities"`
}

func (p Principal) Has(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ── Chart of accounts and masters ────────────────────────────────────────────

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

type Ledger struct {
	ID          uuid.UUID   `json:"id"`
	CompanyID   uuid.UUID   `json:"company_id"`
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	GroupName   string      `json:"group_name"`
	AccountType AccountType `json:"account_type"`
	IsActive    bool        `json:"is_active"`
}

type PartyType string

const (
	PartyCustomer PartyType = "CUSTOMER"
	PartySupplier PartyType = "SUPPLIER"
	PartyBoth     PartyType = "BOTH"
	PartyEmployee PartyType = "EMPLOYEE"
)

// Party owns exactly one control ledger for its receivables/payables.
type Party struct {
	ID          uuid.UUID        `json:"id"`
	CompanyID   uuid.UUID        `json:"company_id"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	PartyType   PartyType        `json:"party_type"`
	LedgerID    uuid.UUID        `json:"ledger_id"`
	CreditLimit *decimal.Decimal `json:"credit_limit,omitempty"`
	CreditDays  int              `json:"credit_days"`
}

type StockItem struct {
	ID          uuid.UUID `json:"id"`
	CompanyID   uuid.UUID `json:"company_id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	UOM         string    `json:"uom"`
	IsStockItem bool      `json:"is_stock_item"`
	IsActive    bool      `json:"is_active"`
}

type Godown struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
}

// StockBatch is the unit of FIFO allocation: never modified, only consumed.
// FIFO order is (mfg_date ASC NULLS LAST, created_at ASC).
type StockBatch struct {
	ID          uuid.UUID  `json:"id"`
	CompanyID   uuid.UUID  `json:"company_id"`
	ItemID      uuid.UUID  `json:"item_id"`
	BatchNumber string     `json:"batch_number"`
	MfgDate     *time.Time `json:"mfg_date,omitempty"`
	ExpDate     *time.Time `json:"exp_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ── Vouchers ─────────────────────────────────────────────────────────────────

type VoucherCategory string

const (
	CategoryJournal  VoucherCategory = "JOURNAL"
	CategoryPayment  VoucherCategory = "PAYMENT"
	CategoryReceipt  VoucherCategory = "RECEIPT"
	CategoryContra   VoucherCategory = "CONTRA"
	CategorySales    VoucherCategory = "SALES"
	CategoryPurchase VoucherCategory = "PURCHASE"
)

type VoucherType struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Category     VoucherCategory `json:"category"`
	IsAccounting bool            `json:"is_accounting"`
	IsInventory  bool            `json:"is_inventory"`
	IsActive     bool            `json:"is_active"`
}

type VoucherStatus string

const (
	VoucherDraft     VoucherStatus = "DRAFT"
	VoucherPosted    VoucherStatus = "POSTED"
	VoucherReversed  VoucherStatus = "REVERSED"
	VoucherCancelled VoucherStatus = "CANCELLED"
)

type EntryType string

const (
	EntryDR EntryType = "DR"
	EntryCR EntryType = "CR"
)

// Voucher is the unit of posting: a balanced set of debit/credit lines.
// State machine: DRAFT → POSTED → {REVERSED | CANCELLED}.
type Voucher struct {
	ID                uuid.UUID     `json:"id"`
	CompanyID         uuid.UUID     `json:"company_id"`
	VoucherTypeID     uuid.UUID     `json:"voucher_type_id"`
	FinancialYearID   uuid.UUID     `json:"financial_year_id"`
	VoucherNumber     *string       `json:"voucher_number,omitempty"`
	VoucherDate       time.Time     `json:"voucher_date"`
	Narration         string        `json:"narration"`
	Status            VoucherStatus `json:"status"`
	ReversedVoucherID *uuid.UUID    `json:"reversed_voucher_id,omitempty"`
	ReversalReason    *string       `json:"reversal_reason,omitempty"`
	ReversalUser      *string       `json:"reversal_user,omitempty"`
	ReversedAt        *time.Time    `json:"reversed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	PostedAt          *time.Time    `json:"posted_at,omitempty"`
	Lines             []VoucherLine `json:"lines"`
}

type VoucherLine struct {
	ID               uuid.UUID       `json:"id"`
	VoucherID        uuid.UUID       `json:"voucher_id"`
	LineNo           int             `json:"line_no"`
	LedgerID         uuid.UUID       `json:"ledger_id"`
	EntryType        EntryType       `json:"entry_type"`
	Amount           decimal.Decimal `json:"amount"`
	CostCenter       *string         `json:"cost_center,omitempty"`
	AgainstVoucherID *uuid.UUID      `json:"against_voucher_id,omitempty"`
}

// VoucherLineInput is used when creating a draft voucher.
type VoucherLineInput struct {
	LedgerID   uuid.UUID       `json:"ledger_id"`
	EntryType  EntryType       `json:"entry_type"`
	Amount     decimal.Decimal `json:"amount"`
	CostCenter string          `json:"cost_center,omitempty"`
}

// StockRequest is declared stock intent on a draft voucher. Outbound requests
// (FromGodownID set) are expanded into per-batch movements by FIFO allocation
// at post time; inbound requests carry the batch to create or extend.
type StockRequest struct {
	ID           uuid.UUID       `json:"id"`
	VoucherID    uuid.UUID       `json:"voucher_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	FromGodownID *uuid.UUID      `json:"from_godown_id,omitempty"`
	ToGodownID   *uuid.UUID      `json:"to_godown_id,omitempty"`
	BatchNumber  *string         `json:"batch_number,omitempty"`
	MfgDate      *time.Time      `json:"mfg_date,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
}

// StockMovement is the append-only audit trail of stock. Exactly one godown is
// set for a pure IN or OUT; both are set for a transfer leg pair.
type StockMovement struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	VoucherID    uuid.UUID       `json:"voucher_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	FromGodownID *uuid.UUID      `json:"from_godown_id,omitempty"`
	ToGodownID   *uuid.UUID      `json:"to_godown_id,omitempty"`
	BatchID      *uuid.UUID      `json:"batch_id,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	MovementDate time.Time       `json:"movement_date"`
}

// BatchAllocation is one FIFO allocation decision: take qty from a batch.
type BatchAllocation struct {
	BatchID  uuid.UUID       `json:"batch_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ── Derived balances ─────────────────────────────────────────────────────────

// LedgerBalance is a cache over posted voucher lines, idempotent on
// LastPostedVoucherID and updated only inside the posting transaction.
type LedgerBalance struct {
	CompanyID           uuid.UUID       `json:"company_id"`
	LedgerID            uuid.UUID       `json:"ledger_id"`
	FinancialYearID     uuid.UUID       `json:"financial_year_id"`
	BalanceDR           decimal.Decimal `json:"balance_dr"`
	BalanceCR           decimal.Decimal `json:"balance_cr"`
	LastPostedVoucherID *uuid.UUID      `json:"last_posted_voucher_id,omitempty"`
}

type StockBalance struct {
	CompanyID      uuid.UUID       `json:"company_id"`
	ItemID         uuid.UUID       `json:"item_id"`
	GodownID       uuid.UUID       `json:"godown_id"`
	BatchID        *uuid.UUID      `json:"batch_id,omitempty"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
	LastMovementID *uuid.UUID      `json:"last_movement_id,omitempty"`
}

// ── Invoices and payments ────────────────────────────────────────────────────

type InvoiceType string

const (
	InvoiceSales    InvoiceType = "SALES"
	InvoicePurchase InvoiceType = "PURCHASE"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoicePosted        InvoiceStatus = "POSTED"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

type Invoice struct {
	ID              uuid.UUID       `json:"id"`
	CompanyID       uuid.UUID       `json:"company_id"`
	PartyID         uuid.UUID       `json:"party_id"`
	InvoiceType     InvoiceType     `json:"invoice_type"`
	InvoiceNumber   string          `json:"invoice_number"`
	SalesOrderID    *uuid.UUID      `json:"sales_order_id,omitempty"`
	PurchaseOrderID *uuid.UUID      `json:"purchase_order_id,omitempty"`
	VoucherID       *uuid.UUID      `json:"voucher_id,omitempty"`
	InvoiceDate     time.Time       `json:"invoice_date"`
	DueDate         time.Time       `json:"due_date"`
	TotalValue      decimal.Decimal `json:"total_value"`
	AmountReceived  decimal.Decimal `json:"amount_received"`
	Status          InvoiceStatus   `json:"status"`
	Lines           []InvoiceLine   `json:"lines,omitempty"`
}

// Outstanding is total value minus received, normalized.
func (i *Invoice) Outstanding() decimal.Decimal {
	return Money(i.TotalValue).Sub(Money(i.AmountReceived))
}

type InvoiceLine struct {
	ID              uuid.UUID       `json:"id"`
	InvoiceID       uuid.UUID       `json:"invoice_id"`
	LineNo          int             `json:"line_no"`
	ItemID          *uuid.UUID      `json:"item_id,omitempty"`
	GodownID        *uuid.UUID      `json:"godown_id,omitempty"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
	RevenueLedgerID uuid.UUID       `json:"revenue_ledger_id"`
	TaxLedgerID     *uuid.UUID      `json:"tax_ledger_id,omitempty"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	LineTotal       decimal.Decimal `json:"line_total"`
}

type PaymentType string

const (
	PaymentOut PaymentType = "PAYMENT"
	PaymentIn  PaymentType = "RECEIPT"
)

// Payment mirrors its voucher's status and is frozen after post.
type Payment struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	PartyID      uuid.UUID       `json:"party_id"`
	VoucherID    uuid.UUID       `json:"voucher_id"`
	PaymentType  PaymentType     `json:"payment_type"`
	BankLedgerID uuid.UUID       `json:"bank_ledger_id"`
	PaymentMode  string          `json:"payment_mode"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	Status       VoucherStatus   `json:"status"`
	Lines        []PaymentLine   `json:"lines,omitempty"`
}

type PaymentLine struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
}

// ── Orders ───────────────────────────────────────────────────────────────────

type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderReceived  OrderStatus = "RECEIVED"
	OrderInvoiced  OrderStatus = "INVOICED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type SalesOrder struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	PartyID      uuid.UUID       `json:"party_id"`
	OrderNumber  *string         `json:"order_number,omitempty"`
	Status       OrderStatus     `json:"status"`
	OrderDate    time.Time       `json:"order_date"`
	TotalValue   decimal.Decimal `json:"total_value"`
	Notes        string          `json:"notes"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
	InvoicedAt   *time.Time      `json:"invoiced_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason *string         `json:"cancel_reason,omitempty"`
	Lines        []OrderLine     `json:"lines,omitempty"`
}

type PurchaseOrder struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    uuid.UUID       `json:"company_id"`
	PartyID      uuid.UUID       `json:"party_id"`
	OrderNumber  *string         `json:"order_number,omitempty"`
	Status       OrderStatus     `json:"status"`
	OrderDate    time.Time       `json:"order_date"`
	TotalValue   decimal.Decimal `json:"total_value"`
	Notes        string          `json:"notes"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
	ReceivedAt   *time.Time      `json:"received_at,omitempty"`
	InvoicedAt   *time.Time      `json:"invoiced_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason *string         `json:"cancel_reason,omitempty"`
	Lines        []OrderLine     `json:"lines,omitempty"`
}

// OrderLine belongs to exactly one of a sales or purchase order; the database
// CHECK enforces the discriminator.
type OrderLine struct {
	ID              uuid.UUID       `json:"id"`
	SalesOrderID    *uuid.UUID      `json:"sales_order_id,omitempty"`
	PurchaseOrderID *uuid.UUID      `json:"purchase_order_id,omitempty"`
	LineNo          int             `json:"line_no"`
	ItemID          uuid.UUID       `json:"item_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	LineTotal       decimal.Decimal `json:"line_total"`
}

// ── Workflow ─────────────────────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

type Approval struct {
	ID          uuid.UUID      `json:"id"`
	CompanyID   uuid.UUID      `json:"company_id"`
	TargetType  string         `json:"target_type"`
	TargetID    uuid.UUID      `json:"target_id"`
	Status      ApprovalStatus `json:"status"`
	RequestedBy string         `json:"requested_by"`
	ApprovedBy  *string        `json:"approved_by,omitempty"`
	Remarks     string         `json:"remarks"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

type ApprovalRule struct {
	CompanyID                 uuid.UUID        `json:"company_id"`
	TargetType                string           `json:"target_type"`
	ApprovalRequired          bool             `json:"approval_required"`
	ThresholdAmount           *decimal.Decimal `json:"threshold_amount,omitempty"`
	AutoApproveBelowThreshold bool             `json:"auto_approve_below_threshold"`
}

// ── Events and audit ─────────────────────────────────────────────────────────

type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventSuccess    EventStatus = "SUCCESS"
	EventFailed     EventStatus = "FAILED"
	EventRetry      EventStatus = "RETRY"
)

// IntegrationEvent is a durable outbound notification, delivered at least
// once; consumers must be idempotent.
type IntegrationEvent struct {
	ID             uuid.UUID   `json:"id"`
	CompanyID      uuid.UUID   `json:"company_id"`
	EventType      string      `json:"event_type"`
	Payload        []byte      `json:"payload"`
	Status         EventStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	NextRetryAt    time.Time   `json:"next_retry_at"`
	LastError      *string     `json:"last_error,omitempty"`
	SourceObjectID *uuid.UUID  `json:"source_object_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
}

type AuditLog struct {
	ID         uuid.UUID  `json:"id"`
	CompanyID  uuid.UUID  `json:"company_id"`
	Actor      string     `json:"actor"`
	ActionType string     `json:"action_type"`
	ObjectType string     `json:"object_type"`
	ObjectID   *uuid.UUID `json:"object_id,omitempty"`
	Changes    []byte     `json:"changes"`
	IP         *string    `json:"ip,omitempty"`
	UserAgent  *string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
