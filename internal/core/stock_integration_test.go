package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"erp-core/internal/core"
)

// batchQuantities reads per-batch on-hand for the test item in a godown,
// keyed by batch number.
func batchQuantities(t *testing.T, pool *pgxpool.Pool, godownID uuid.UUID) map[string]decimal.Decimal {
	t.Helper()
	rows, err := pool.Query(context.Background(), `
		SELECT b.batch_number, sb.quantity_on_hand
		FROM stock_balances sb
		JOIN stock_batches b ON b.id = sb.batch_id
		WHERE sb.company_id = $1 AND sb.item_id = $2 AND sb.godown_id = $3
	`, testCompanyID, testItemID, godownID)
	if err != nil {
		t.Fatalf("Failed to query batch balances: %v", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var batch string
		var qty decimal.Decimal
		if err := rows.Scan(&batch, &qty); err != nil {
			t.Fatalf("Failed to scan batch balance: %v", err)
		}
		out[batch] = qty
	}
	return out
}

// postOutboundSale posts a sales voucher carrying one outbound stock request
// from the main godown.
func postOutboundSale(t *testing.T, svc *testServices, qty, rate string) (*core.Voucher, error) {
	t.Helper()
	ctx := context.Background()
	principal := testPrincipal()

	quantity := mustDecimal(t, qty)
	value := core.Money(quantity.Mul(mustDecimal(t, rate)))
	from := testGodownAID

	draft, err := svc.posting.CreateVoucherDraft(ctx, principal, core.CreateVoucherInput{
		VoucherTypeID:   testSVTypeID,
		FinancialYearID: testFYID,
		Date:            midFY(),
		Narration:       "goods outward",
		Lines: []core.VoucherLineInput{
			{LedgerID: testDebtorsID, EntryType: core.EntryDR, Amount: value},
			{LedgerID: testSalesID, EntryType: core.EntryCR, Amount: value},
		},
		StockRequests: []core.StockRequestInput{{
			ItemID:       testItemID,
			FromGodownID: &from,
			Quantity:     quantity,
			Rate:         mustDecimal(t, rate),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create outbound draft: %v", err)
	}
	return svc.posting.PostVoucher(ctx, draft.ID, principal, core.PostOptions{})
}

func TestStock_FIFOConsumesOldestBatchFirst(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	// Two inward batches: B1 is older by mfg date and must drain first.
	postInbound(t, svc, testGodownAID, "100", "10.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	postInbound(t, svc, testGodownAID, "50", "12.00", "B2", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	onHand, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "150")) {
		t.Fatalf("Expected 150 on hand, got %s", onHand)
	}

	// 120 out: all of B1 plus 20 from B2.
	if _, err := postOutboundSale(t, svc, "120", "10.00"); err != nil {
		t.Fatalf("Outbound post failed: %v", err)
	}

	batches := batchQuantities(t, pool, testGodownAID)
	if !batches["B1"].Equal(decimal.Zero) {
		t.Errorf("Expected B1 exhausted, got %s", batches["B1"])
	}
	if !batches["B2"].Equal(mustDecimal(t, "30")) {
		t.Errorf("Expected B2 at 30, got %s", batches["B2"])
	}

	onHand, err = svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "30")) {
		t.Errorf("Expected 30 on hand after issue, got %s", onHand)
	}
}

func TestStock_InsufficientStockRejectsWholeVoucher(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	postInbound(t, svc, testGodownAID, "100", "10.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	_, err := postOutboundSale(t, svc, "150", "10.00")
	if !core.IsCode(err, core.ErrCodeInsufficientStock) {
		t.Fatalf("Expected INSUFFICIENT_STOCK, got %v", err)
	}

	// Partial allocation must not stick: the batch is untouched and no
	// ledger effect landed.
	onHand, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "100")) {
		t.Errorf("Expected 100 on hand after rejected issue, got %s", onHand)
	}

	debtors, err := svc.reporting.LedgerBalance(ctx, testCompanyID, testDebtorsID, testFYID)
	if err != nil {
		t.Fatalf("Failed to read debtors balance: %v", err)
	}
	if !debtors.BalanceDR.IsZero() {
		t.Errorf("Expected no debtors movement, got DR %s", debtors.BalanceDR)
	}
}

func TestStock_NoBatchesAvailable(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)

	_, err := postOutboundSale(t, svc, "10", "10.00")
	if !core.IsCode(err, core.ErrCodeNoBatchesAvailable) {
		t.Fatalf("Expected NO_BATCHES_AVAILABLE, got %v", err)
	}
}

func TestStock_TransferBetweenGodowns(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	postInbound(t, svc, testGodownAID, "150", "10.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	draft, err := svc.posting.CreateStockTransferDraft(ctx, principal, core.StockTransferInput{
		ItemID:           testItemID,
		FromGodownID:     testGodownAID,
		ToGodownID:       testGodownBID,
		Quantity:         mustDecimal(t, "30"),
		Rate:             mustDecimal(t, "10.00"),
		ClearingLedgerID: testInventoryID,
		Date:             midFY(),
		Narration:        "branch restock",
	})
	if err != nil {
		t.Fatalf("Failed to create transfer draft: %v", err)
	}

	if _, err := svc.posting.PostVoucher(ctx, draft.ID, principal, core.PostOptions{}); err != nil {
		t.Fatalf("Failed to post transfer: %v", err)
	}

	main, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read main on-hand: %v", err)
	}
	branch, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownBID)
	if err != nil {
		t.Fatalf("Failed to read branch on-hand: %v", err)
	}
	if !main.Equal(mustDecimal(t, "120")) || !branch.Equal(mustDecimal(t, "30")) {
		t.Errorf("Expected 120/30 after transfer, got %s/%s", main, branch)
	}

	total, err := svc.stock.QuantityOnHandAllGodowns(ctx, testCompanyID, testItemID)
	if err != nil {
		t.Fatalf("Failed to read total on-hand: %v", err)
	}
	if !total.Equal(mustDecimal(t, "150")) {
		t.Errorf("Transfer changed total stock: %s", total)
	}
}

func TestStock_SameGodownTransferRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)

	_, err := svc.posting.CreateStockTransferDraft(context.Background(), testPrincipal(), core.StockTransferInput{
		ItemID:           testItemID,
		FromGodownID:     testGodownAID,
		ToGodownID:       testGodownAID,
		Quantity:         mustDecimal(t, "10"),
		Rate:             mustDecimal(t, "10.00"),
		ClearingLedgerID: testInventoryID,
		Date:             midFY(),
	})
	if !core.IsCode(err, core.ErrCodeInvalidMovementEndpoints) {
		t.Fatalf("Expected INVALID_MOVEMENT_ENDPOINTS, got %v", err)
	}
}

func TestReversal_RestoresBalancesAndStock(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	postInbound(t, svc, testGodownAID, "100", "10.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	sale, err := postOutboundSale(t, svc, "40", "25.00")
	if err != nil {
		t.Fatalf("Outbound post failed: %v", err)
	}

	revDate := midFY()
	reversal, err := svc.reversal.ReverseVoucher(ctx, sale.ID, testPrincipal(), core.ReverseOptions{Reason: "billing error", Date: &revDate})
	if err != nil {
		t.Fatalf("Failed to reverse: %v", err)
	}
	if reversal.Status != core.VoucherPosted {
		t.Fatalf("Expected reversal POSTED, got %s", reversal.Status)
	}
	if len(reversal.Lines) != len(sale.Lines) {
		t.Fatalf("Expected %d reversal lines, got %d", len(sale.Lines), len(reversal.Lines))
	}
	if got := reversal.VoucherDate.Format("2006-01-02"); got != revDate.Format("2006-01-02") {
		t.Errorf("Expected reversal dated %s, got %s", revDate.Format("2006-01-02"), got)
	}

	// Mirror lines carry the opposite entry type for the same ledgers.
	bySide := make(map[core.EntryType]uuid.UUID)
	for _, l := range reversal.Lines {
		bySide[l.EntryType] = l.LedgerID
	}
	if bySide[core.EntryCR] != testDebtorsID || bySide[core.EntryDR] != testSalesID {
		t.Errorf("Reversal lines not mirrored: %+v", bySide)
	}

	original, err := svc.posting.GetVoucher(ctx, testCompanyID, sale.ID)
	if err != nil {
		t.Fatalf("Failed to reload original: %v", err)
	}
	if original.Status != core.VoucherReversed {
		t.Errorf("Expected original REVERSED, got %s", original.Status)
	}

	// Net ledger effect is zero while both legs stay on the books.
	debtors, err := svc.reporting.LedgerBalance(ctx, testCompanyID, testDebtorsID, testFYID)
	if err != nil {
		t.Fatalf("Failed to read debtors balance: %v", err)
	}
	if !debtors.BalanceDR.Equal(debtors.BalanceCR) {
		t.Errorf("Debtors not netted: DR %s CR %s", debtors.BalanceDR, debtors.BalanceCR)
	}

	// Issued stock comes back to the source batch.
	onHand, err := svc.stock.QuantityOnHand(ctx, testCompanyID, testItemID, testGodownAID)
	if err != nil {
		t.Fatalf("Failed to read on-hand: %v", err)
	}
	if !onHand.Equal(mustDecimal(t, "100")) {
		t.Errorf("Expected stock restored to 100, got %s", onHand)
	}

	// A second reversal of the same voucher is rejected.
	_, err = svc.reversal.ReverseVoucher(ctx, sale.ID, testPrincipal(), core.ReverseOptions{Reason: "again", Date: &revDate})
	if !core.IsCode(err, core.ErrCodeAlreadyReversed) {
		t.Fatalf("Expected ALREADY_REVERSED, got %v", err)
	}
}

func TestReversal_DateOutsideYearRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	postInbound(t, svc, testGodownAID, "50", "10.00", "B1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	sale, err := postOutboundSale(t, svc, "10", "25.00")
	if err != nil {
		t.Fatalf("Outbound post failed: %v", err)
	}

	badDate := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.reversal.ReverseVoucher(ctx, sale.ID, testPrincipal(), core.ReverseOptions{Reason: "late fix", Date: &badDate})
	if !core.IsCode(err, core.ErrCodeDateOutsideFY) {
		t.Fatalf("Expected DATE_OUTSIDE_FINANCIAL_YEAR, got %v", err)
	}
}
