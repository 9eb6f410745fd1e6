package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"erp-core/internal/core"
)

// postSalesInvoice drafts and posts a service invoice (no stock lines) for the
// test customer.
func postSalesInvoice(t *testing.T, svc *testServices, net, tax string) (*core.Invoice, error) {
	t.Helper()
	ctx := context.Background()
	principal := testPrincipal()

	var taxLedger *uuid.UUID
	taxAmount := mustDecimal(t, tax)
	if taxAmount.IsPositive() {
		taxLedger = &testGSTID
	}

	draft, err := svc.invoices.CreateInvoiceDraft(ctx, principal, core.CreateInvoiceInput{
		PartyID:     testPartyID,
		InvoiceType: core.InvoiceSales,
		InvoiceDate: midFY(),
		DueDate:     midFY().AddDate(0, 0, 30),
		Lines: []core.InvoiceLineInput{{
			Description:     "consulting",
			Quantity:        decimal.NewFromInt(1),
			Rate:            mustDecimal(t, net),
			RevenueLedgerID: testSalesID,
			TaxLedgerID:     taxLedger,
			TaxAmount:       taxAmount,
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create invoice draft: %v", err)
	}
	return svc.invoices.PostInvoice(ctx, draft.ID, principal, core.PostOptions{})
}

func TestSettlement_PaymentSettlesInvoice(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "180.00")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}
	if inv.Status != core.InvoicePosted {
		t.Fatalf("Expected POSTED invoice, got %s", inv.Status)
	}
	if inv.InvoiceNumber != "INV-1" {
		t.Errorf("Expected INV-1, got %s", inv.InvoiceNumber)
	}
	if !inv.TotalValue.Equal(mustDecimal(t, "1180.00")) {
		t.Fatalf("Expected total 1180.00, got %s", inv.TotalValue)
	}

	// The backing voucher books DR party control / CR revenue+tax.
	debtors, err := svc.reporting.LedgerBalance(ctx, testCompanyID, testDebtorsID, testFYID)
	if err != nil {
		t.Fatalf("Failed to read debtors balance: %v", err)
	}
	if !debtors.BalanceDR.Equal(mustDecimal(t, "1180.00")) {
		t.Errorf("Expected debtors DR 1180.00, got %s", debtors.BalanceDR)
	}

	payment, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		PaymentMode:  "NEFT",
		Reference:    "UTR-001",
		Amount:       mustDecimal(t, "1180.00"),
		Date:         midFY().AddDate(0, 0, 10),
	})
	if err != nil {
		t.Fatalf("Failed to create payment draft: %v", err)
	}

	if _, err := svc.payments.AllocatePayment(ctx, principal, payment.ID, inv.ID, mustDecimal(t, "1180.00")); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}

	posted, err := svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{})
	if err != nil {
		t.Fatalf("Failed to post payment: %v", err)
	}
	if posted.Status != core.VoucherPosted {
		t.Fatalf("Expected payment POSTED, got %s", posted.Status)
	}

	settled, err := svc.invoices.GetInvoice(ctx, testCompanyID, inv.ID)
	if err != nil {
		t.Fatalf("Failed to reload invoice: %v", err)
	}
	if settled.Status != core.InvoicePaid {
		t.Errorf("Expected PAID, got %s", settled.Status)
	}
	if !settled.Outstanding().IsZero() {
		t.Errorf("Expected zero outstanding, got %s", settled.Outstanding())
	}

	// Receipt voucher credits the control ledger, netting the receivable.
	debtors, err = svc.reporting.LedgerBalance(ctx, testCompanyID, testDebtorsID, testFYID)
	if err != nil {
		t.Fatalf("Failed to read debtors balance: %v", err)
	}
	if !debtors.BalanceDR.Sub(debtors.BalanceCR).IsZero() {
		t.Errorf("Expected debtors netted, DR %s CR %s", debtors.BalanceDR, debtors.BalanceCR)
	}
}

func TestSettlement_InvoiceReplayWithIdempotencyKey(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	draft, err := svc.invoices.CreateInvoiceDraft(ctx, principal, core.CreateInvoiceInput{
		PartyID:     testPartyID,
		InvoiceType: core.InvoiceSales,
		InvoiceDate: midFY(),
		DueDate:     midFY().AddDate(0, 0, 30),
		Lines: []core.InvoiceLineInput{{
			Description:     "consulting",
			Quantity:        decimal.NewFromInt(1),
			Rate:            mustDecimal(t, "1000.00"),
			RevenueLedgerID: testSalesID,
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create invoice draft: %v", err)
	}

	opts := core.PostOptions{IdempotencyKey: "inv-post-001"}
	first, err := svc.invoices.PostInvoice(ctx, draft.ID, principal, opts)
	if err != nil {
		t.Fatalf("First post failed: %v", err)
	}

	// Replaying the same key against the posted invoice returns the
	// original result instead of ALREADY_POSTED.
	replay, err := svc.invoices.PostInvoice(ctx, draft.ID, principal, opts)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if replay.Status != core.InvoicePosted || *replay.VoucherID != *first.VoucherID {
		t.Errorf("Replay returned a different result: %+v", replay)
	}

	var voucherCount int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM vouchers WHERE company_id = $1", testCompanyID).Scan(&voucherCount); err != nil {
		t.Fatalf("Failed to count vouchers: %v", err)
	}
	if voucherCount != 1 {
		t.Errorf("Expected 1 voucher after replay, got %d", voucherCount)
	}

	// The same key against another invoice is a conflict.
	other, err := svc.invoices.CreateInvoiceDraft(ctx, principal, core.CreateInvoiceInput{
		PartyID:     testPartyID,
		InvoiceType: core.InvoiceSales,
		InvoiceDate: midFY(),
		DueDate:     midFY().AddDate(0, 0, 30),
		Lines: []core.InvoiceLineInput{{
			Description:     "consulting",
			Quantity:        decimal.NewFromInt(1),
			Rate:            mustDecimal(t, "500.00"),
			RevenueLedgerID: testSalesID,
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create second draft: %v", err)
	}
	_, err = svc.invoices.PostInvoice(ctx, other.ID, principal, opts)
	if !core.IsCode(err, core.ErrCodeIdempotencyConflict) {
		t.Fatalf("Expected IDEMPOTENCY_CONFLICT, got %v", err)
	}

	// Without the key the posted invoice still refuses a repost.
	_, err = svc.invoices.PostInvoice(ctx, draft.ID, principal, core.PostOptions{})
	if !core.IsCode(err, core.ErrCodeAlreadyPosted) {
		t.Fatalf("Expected ALREADY_POSTED, got %v", err)
	}
}

func TestSettlement_PaymentReplayWithIdempotencyKey(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}

	payment, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "1000.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create payment draft: %v", err)
	}
	if _, err := svc.payments.AllocatePayment(ctx, principal, payment.ID, inv.ID, mustDecimal(t, "1000.00")); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}

	opts := core.PostOptions{IdempotencyKey: "pay-post-001"}
	if _, err := svc.payments.PostPayment(ctx, payment.ID, principal, opts); err != nil {
		t.Fatalf("First post failed: %v", err)
	}

	replay, err := svc.payments.PostPayment(ctx, payment.ID, principal, opts)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if replay.Status != core.VoucherPosted {
		t.Errorf("Expected POSTED on replay, got %s", replay.Status)
	}

	_, err = svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{})
	if !core.IsCode(err, core.ErrCodeAlreadyPosted) {
		t.Fatalf("Expected ALREADY_POSTED, got %v", err)
	}
}

func TestSettlement_DraftAllocationsCapAtOutstanding(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}

	first, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "800.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create first draft: %v", err)
	}
	if _, err := svc.payments.AllocatePayment(ctx, principal, first.ID, inv.ID, mustDecimal(t, "800.00")); err != nil {
		t.Fatalf("Failed to allocate first draft: %v", err)
	}

	// A second draft payment sees the first one's allocation: only 200 of
	// the invoice remains claimable even though nothing has posted yet.
	second, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "500.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create second draft: %v", err)
	}
	_, err = svc.payments.AllocatePayment(ctx, principal, second.ID, inv.ID, mustDecimal(t, "300.00"))
	if !core.IsCode(err, core.ErrCodeOverAllocation) {
		t.Fatalf("Expected OVER_ALLOCATION across drafts, got %v", err)
	}
	if _, err := svc.payments.AllocatePayment(ctx, principal, second.ID, inv.ID, mustDecimal(t, "200.00")); err != nil {
		t.Fatalf("Failed to allocate remainder: %v", err)
	}

	// Posting both drafts settles the invoice exactly.
	if _, err := svc.payments.PostPayment(ctx, first.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post first payment: %v", err)
	}
	if _, err := svc.payments.PostPayment(ctx, second.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post second payment: %v", err)
	}
	settled, err := svc.invoices.GetInvoice(ctx, testCompanyID, inv.ID)
	if err != nil {
		t.Fatalf("Failed to reload invoice: %v", err)
	}
	if settled.Status != core.InvoicePaid || !settled.Outstanding().IsZero() {
		t.Errorf("Expected PAID with zero outstanding, got %s / %s", settled.Status, settled.Outstanding())
	}
}

func TestSettlement_InvoicePostRetryConverges(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}

	// Rewind the invoice status, leaving the voucher POSTED and attached.
	// This is the state a crash between the voucher commit and the invoice
	// flip leaves behind.
	if _, err := pool.Exec(ctx,
		"UPDATE invoices SET status = 'DRAFT' WHERE id = $1", inv.ID); err != nil {
		t.Fatalf("Failed to rewind invoice status: %v", err)
	}

	retried, err := svc.invoices.PostInvoice(ctx, inv.ID, principal, core.PostOptions{})
	if err != nil {
		t.Fatalf("Retry did not converge: %v", err)
	}
	if retried.Status != core.InvoicePosted {
		t.Errorf("Expected POSTED after retry, got %s", retried.Status)
	}
	if retried.VoucherID == nil || *retried.VoucherID != *inv.VoucherID {
		t.Errorf("Retry re-pointed the voucher: %v vs %v", retried.VoucherID, inv.VoucherID)
	}

	var voucherCount int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM vouchers WHERE company_id = $1", testCompanyID).Scan(&voucherCount); err != nil {
		t.Fatalf("Failed to count vouchers: %v", err)
	}
	if voucherCount != 1 {
		t.Errorf("Expected 1 voucher after retry, got %d", voucherCount)
	}
}

func TestSettlement_PaymentPostRetryConverges(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}
	payment, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "1000.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create payment draft: %v", err)
	}
	if _, err := svc.payments.AllocatePayment(ctx, principal, payment.ID, inv.ID, mustDecimal(t, "1000.00")); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if _, err := svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("First post failed: %v", err)
	}

	if _, err := pool.Exec(ctx,
		"UPDATE payments SET status = 'DRAFT' WHERE id = $1", payment.ID); err != nil {
		t.Fatalf("Failed to rewind payment status: %v", err)
	}

	retried, err := svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{})
	if err != nil {
		t.Fatalf("Retry did not converge: %v", err)
	}
	if retried.Status != core.VoucherPosted {
		t.Errorf("Expected POSTED after retry, got %s", retried.Status)
	}
	settled, err := svc.invoices.GetInvoice(ctx, testCompanyID, inv.ID)
	if err != nil {
		t.Fatalf("Failed to reload invoice: %v", err)
	}
	if settled.Status != core.InvoicePaid {
		t.Errorf("Expected invoice PAID after retry, got %s", settled.Status)
	}
}

func TestSettlement_PartialPayment(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	inv, err := postSalesInvoice(t, svc, "1000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}

	payment, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "400.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create payment draft: %v", err)
	}

	// Allocating more than the payment carries is rejected.
	_, err = svc.payments.AllocatePayment(ctx, principal, payment.ID, inv.ID, mustDecimal(t, "500.00"))
	if !core.IsCode(err, core.ErrCodeOverAllocation) {
		t.Fatalf("Expected OVER_ALLOCATION, got %v", err)
	}

	if _, err := svc.payments.AllocatePayment(ctx, principal, payment.ID, inv.ID, mustDecimal(t, "400.00")); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if _, err := svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post payment: %v", err)
	}

	partial, err := svc.invoices.GetInvoice(ctx, testCompanyID, inv.ID)
	if err != nil {
		t.Fatalf("Failed to reload invoice: %v", err)
	}
	if partial.Status != core.InvoicePartiallyPaid {
		t.Errorf("Expected PARTIALLY_PAID, got %s", partial.Status)
	}
	if !partial.Outstanding().Equal(mustDecimal(t, "600.00")) {
		t.Errorf("Expected outstanding 600.00, got %s", partial.Outstanding())
	}

	open, err := svc.invoices.OutstandingInvoices(ctx, testCompanyID, &testPartyID)
	if err != nil {
		t.Fatalf("Failed to list outstanding: %v", err)
	}
	if len(open) != 1 || open[0].ID != inv.ID {
		t.Errorf("Expected the partially paid invoice outstanding, got %d rows", len(open))
	}
}

func TestCredit_LimitBlocksAndPaymentFrees(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	// Limit is 10000. The first invoice fits, the second would breach.
	first, err := postSalesInvoice(t, svc, "8000.00", "0")
	if err != nil {
		t.Fatalf("First invoice failed: %v", err)
	}

	_, err = postSalesInvoice(t, svc, "5000.00", "0")
	if !core.IsCode(err, core.ErrCodeCreditLimitExceeded) {
		t.Fatalf("Expected CREDIT_LIMIT_EXCEEDED, got %v", err)
	}
	var coded *core.Error
	if !errors.As(err, &coded) {
		t.Fatalf("Expected coded error, got %v", err)
	}
	if coded.Details["current_outstanding"] != "8000.00" {
		t.Errorf("Expected outstanding detail 8000.00, got %v", coded.Details["current_outstanding"])
	}

	// Settling the first invoice frees headroom for the second.
	payment, err := svc.payments.CreatePaymentDraft(ctx, principal, core.CreatePaymentInput{
		PartyID:      testPartyID,
		PaymentType:  core.PaymentIn,
		BankLedgerID: testBankID,
		Amount:       mustDecimal(t, "8000.00"),
		Date:         midFY(),
	})
	if err != nil {
		t.Fatalf("Failed to create payment draft: %v", err)
	}
	if _, err := svc.payments.AllocatePayment(ctx, principal, payment.ID, first.ID, mustDecimal(t, "8000.00")); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if _, err := svc.payments.PostPayment(ctx, payment.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post payment: %v", err)
	}

	if _, err := postSalesInvoice(t, svc, "5000.00", "0"); err != nil {
		t.Fatalf("Invoice after settlement failed: %v", err)
	}
}

func TestOrders_SalesLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	postInbound(t, svc, testGodownAID, "100", "50.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	order, err := svc.orders.CreateSalesOrder(ctx, principal, core.CreateOrderInput{
		PartyID:   testPartyID,
		OrderDate: midFY(),
		Lines: []core.OrderLineInput{{
			ItemID:   testItemID,
			Quantity: mustDecimal(t, "10"),
			Rate:     mustDecimal(t, "100.00"),
			TaxRate:  mustDecimal(t, "18"),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create sales order: %v", err)
	}
	if !order.TotalValue.Equal(mustDecimal(t, "1180.00")) {
		t.Fatalf("Expected order total 1180.00, got %s", order.TotalValue)
	}

	confirmed, err := svc.orders.ConfirmSalesOrder(ctx, principal, order.ID)
	if err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}
	if confirmed.Status != core.OrderConfirmed {
		t.Fatalf("Expected CONFIRMED, got %s", confirmed.Status)
	}
	if confirmed.OrderNumber == nil || *confirmed.OrderNumber != "SO-1" {
		t.Errorf("Expected SO-1, got %v", confirmed.OrderNumber)
	}

	inv, err := svc.orders.GenerateSalesInvoice(ctx, principal, order.ID, core.GenerateInvoiceInput{
		InvoiceDate:     midFY().AddDate(0, 0, 2),
		GodownID:        &testGodownAID,
		RevenueLedgerID: testSalesID,
		TaxLedgerID:     &testGSTID,
	})
	if err != nil {
		t.Fatalf("Failed to generate invoice: %v", err)
	}
	// Due date follows the party's credit terms.
	wantDue := midFY().AddDate(0, 0, 2).AddDate(0, 0, 30)
	if !inv.DueDate.Equal(wantDue) {
		t.Errorf("Expected due %s, got %s", wantDue.Format("2006-01-02"), inv.DueDate.Format("2006-01-02"))
	}

	posted, err := svc.invoices.PostInvoice(ctx, inv.ID, principal, core.PostOptions{})
	if err != nil {
		t.Fatalf("Failed to post generated invoice: %v", err)
	}
	if posted.Status != core.InvoicePosted {
		t.Fatalf("Expected POSTED, got %s", posted.Status)
	}

	invoiced, err := svc.orders.GetSalesOrder(ctx, testCompanyID, order.ID)
	if err != nil {
		t.Fatalf("Failed to reload order: %v", err)
	}
	if invoiced.Status != core.OrderInvoiced {
		t.Errorf("Expected INVOICED, got %s", invoiced.Status)
	}

	// Fulfilment pulled stock from the nominated godown.
	onHand, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "90")) {
		t.Errorf("Expected 90 on hand, got %s", onHand)
	}
}

func TestOrders_ConfirmChecksStockAndCredit(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	// No stock yet: confirmation fails on availability.
	order, err := svc.orders.CreateSalesOrder(ctx, principal, core.CreateOrderInput{
		PartyID:   testPartyID,
		OrderDate: midFY(),
		Lines: []core.OrderLineInput{{
			ItemID: testItemID, Quantity: mustDecimal(t, "10"), Rate: mustDecimal(t, "100.00"),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	_, err = svc.orders.ConfirmSalesOrder(ctx, principal, order.ID)
	if !core.IsCode(err, core.ErrCodeInsufficientStock) {
		t.Fatalf("Expected INSUFFICIENT_STOCK, got %v", err)
	}

	// With stock on hand, an order beyond the credit limit still fails.
	postInbound(t, svc, testGodownAID, "500", "50.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	big, err := svc.orders.CreateSalesOrder(ctx, principal, core.CreateOrderInput{
		PartyID:   testPartyID,
		OrderDate: midFY(),
		Lines: []core.OrderLineInput{{
			ItemID: testItemID, Quantity: mustDecimal(t, "200"), Rate: mustDecimal(t, "100.00"),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	_, err = svc.orders.ConfirmSalesOrder(ctx, principal, big.ID)
	if !core.IsCode(err, core.ErrCodeCreditLimitExceeded) {
		t.Fatalf("Expected CREDIT_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestOrders_PurchaseLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	order, err := svc.orders.CreatePurchaseOrder(ctx, principal, core.CreateOrderInput{
		PartyID:   testPartyID,
		OrderDate: midFY(),
		Lines: []core.OrderLineInput{{
			ItemID:   testItemID,
			Quantity: mustDecimal(t, "20"),
			Rate:     mustDecimal(t, "50.00"),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create purchase order: %v", err)
	}

	confirmed, err := svc.orders.ConfirmPurchaseOrder(ctx, principal, order.ID)
	if err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}
	if confirmed.OrderNumber == nil || *confirmed.OrderNumber != "PO-1" {
		t.Errorf("Expected PO-1, got %v", confirmed.OrderNumber)
	}

	grn, err := svc.orders.ReceiveGoods(ctx, principal, order.ID, core.ReceiveGoodsInput{
		Date:              midFY().AddDate(0, 0, 5),
		GodownID:          testGodownAID,
		InventoryLedgerID: testInventoryID,
		AccrualLedgerID:   testAccrualID,
	})
	if err != nil {
		t.Fatalf("Failed to receive goods: %v", err)
	}
	if grn.Status != core.VoucherPosted {
		t.Fatalf("Expected GRN voucher POSTED, got %s", grn.Status)
	}

	received, err := svc.orders.GetPurchaseOrder(ctx, testCompanyID, order.ID)
	if err != nil {
		t.Fatalf("Failed to reload order: %v", err)
	}
	if received.Status != core.OrderReceived {
		t.Fatalf("Expected RECEIVED, got %s", received.Status)
	}

	onHand, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "20")) {
		t.Errorf("Expected 20 on hand after receipt, got %s", onHand)
	}

	inv, err := svc.orders.GeneratePurchaseInvoice(ctx, principal, order.ID, core.GenerateInvoiceInput{
		InvoiceDate:     midFY().AddDate(0, 0, 6),
		RevenueLedgerID: testAccrualID,
	})
	if err != nil {
		t.Fatalf("Failed to generate purchase invoice: %v", err)
	}
	if _, err := svc.invoices.PostInvoice(ctx, inv.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post purchase invoice: %v", err)
	}

	final, err := svc.orders.GetPurchaseOrder(ctx, testCompanyID, order.ID)
	if err != nil {
		t.Fatalf("Failed to reload order: %v", err)
	}
	if final.Status != core.OrderInvoiced {
		t.Errorf("Expected INVOICED, got %s", final.Status)
	}
}

func TestReversal_CancelsBackedInvoice(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	inv, err := postSalesInvoice(t, svc, "2000.00", "0")
	if err != nil {
		t.Fatalf("Failed to post invoice: %v", err)
	}
	if inv.VoucherID == nil {
		t.Fatal("Expected invoice to carry its voucher")
	}

	revDate := midFY()
	if _, err := svc.reversal.ReverseVoucher(ctx, *inv.VoucherID, testPrincipal(), core.ReverseOptions{Reason: "wrong party", Date: &revDate}); err != nil {
		t.Fatalf("Failed to reverse invoice voucher: %v", err)
	}

	cancelled, err := svc.invoices.GetInvoice(ctx, testCompanyID, inv.ID)
	if err != nil {
		t.Fatalf("Failed to reload invoice: %v", err)
	}
	if cancelled.Status != core.InvoiceCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}

	// The cancelled invoice no longer counts against the credit limit.
	outstanding, err := svc.credit.OutstandingForParty(ctx, testCompanyID, testPartyID)
	if err != nil {
		t.Fatalf("Failed to read outstanding: %v", err)
	}
	if !outstanding.IsZero() {
		t.Errorf("Expected zero outstanding after cancellation, got %s", outstanding)
	}
}
