package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"erp-core/internal/core"
)

func TestFinancialYear_CloseBlocksPostingUntilReopen(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	admin := testPrincipal()

	// Close requires ACCOUNTANT or ADMIN.
	clerk := testPrincipal()
	clerk.Capabilities = []core.Capability{core.CapMaker, core.CapPoster}
	if _, err := svc.years.CloseFinancialYear(ctx, clerk, testFYID); !core.IsCode(err, core.ErrCodeForbidden) {
		t.Fatalf("Expected FORBIDDEN for clerk close, got %v", err)
	}

	accountant := testPrincipal()
	accountant.Capabilities = []core.Capability{core.CapAccountant}
	closed, err := svc.years.CloseFinancialYear(ctx, accountant, testFYID)
	if err != nil {
		t.Fatalf("Failed to close financial year: %v", err)
	}
	if !closed.IsClosed {
		t.Fatal("Expected year closed")
	}

	// Closing an already closed year is a no-op, not an error.
	if _, err := svc.years.CloseFinancialYear(ctx, admin, testFYID); err != nil {
		t.Fatalf("Repeat close failed: %v", err)
	}

	// Reopening undoes a period lock: ACCOUNTANT is not enough.
	if _, err := svc.years.ReopenFinancialYear(ctx, accountant, testFYID); !core.IsCode(err, core.ErrCodeForbidden) {
		t.Fatalf("Expected FORBIDDEN for accountant reopen, got %v", err)
	}

	draft, err := svc.posting.CreateVoucherDraft(ctx, admin, core.CreateVoucherInput{
		VoucherTypeID:   testJVTypeID,
		FinancialYearID: testFYID,
		Date:            midFY(),
		Lines: []core.VoucherLineInput{
			{LedgerID: testCashID, EntryType: core.EntryDR, Amount: mustDecimal(t, "10.00")},
			{LedgerID: testSalesID, EntryType: core.EntryCR, Amount: mustDecimal(t, "10.00")},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create draft: %v", err)
	}
	if _, err := svc.posting.PostVoucher(ctx, draft.ID, admin, core.PostOptions{}); !core.IsCode(err, core.ErrCodeFYClosed) {
		t.Fatalf("Expected FINANCIAL_YEAR_CLOSED, got %v", err)
	}

	if _, err := svc.years.ReopenFinancialYear(ctx, admin, testFYID); err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	if _, err := svc.posting.PostVoucher(ctx, draft.ID, admin, core.PostOptions{}); err != nil {
		t.Fatalf("Post after reopen failed: %v", err)
	}

	// Close and reopen both leave an audit trail on the year.
	trail, err := svc.audit.ListForObject(ctx, testCompanyID, "financial_year", testFYID)
	if err != nil {
		t.Fatalf("Failed to list audit trail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("Expected 2 audit entries, got %d", len(trail))
	}
	if trail[0].ActionType != "FY_CLOSED" || trail[1].ActionType != "FY_REOPENED" {
		t.Errorf("Unexpected trail: %s, %s", trail[0].ActionType, trail[1].ActionType)
	}
}

func TestFinancialYear_SetCurrentSwapsFlag(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	fy, err := svc.years.SetCurrentFinancialYear(ctx, testPrincipal(), testClosedFYID)
	if err != nil {
		t.Fatalf("Failed to set current: %v", err)
	}
	if !fy.IsCurrent {
		t.Fatal("Expected year marked current")
	}

	var count int
	err = pool.QueryRow(ctx,
		"SELECT count(*) FROM financial_years WHERE company_id = $1 AND is_current", testCompanyID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count current years: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly one current year, got %d", count)
	}
}

func TestFinancialYear_OverlapRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	// The fixture years run 2024-04-01 through 2026-03-31. A year straddling
	// an existing one trips the exclusion constraint.
	_, err := pool.Exec(ctx, `
		INSERT INTO financial_years (company_id, name, start_date, end_date)
		VALUES ($1, '2025-26B', '2025-10-01', '2026-09-30')
	`, testCompanyID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23P01" {
		t.Fatalf("Expected exclusion violation, got %v", err)
	}

	// An adjacent year with no overlap is accepted.
	if _, err := pool.Exec(ctx, `
		INSERT INTO financial_years (company_id, name, start_date, end_date)
		VALUES ($1, '2026-27', '2026-04-01', '2027-03-31')
	`, testCompanyID); err != nil {
		t.Fatalf("Failed to insert adjacent year: %v", err)
	}
}

func TestAging_BucketsOpenReceivables(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()
	principal := testPrincipal()

	postDated := func(due time.Time, amount string) {
		draft, err := svc.invoices.CreateInvoiceDraft(ctx, principal, core.CreateInvoiceInput{
			PartyID:     testPartyID,
			InvoiceType: core.InvoiceSales,
			InvoiceDate: midFY(),
			DueDate:     due,
			Lines: []core.InvoiceLineInput{{
				Description:     "services",
				Quantity:        decimal.NewFromInt(1),
				Rate:            mustDecimal(t, amount),
				RevenueLedgerID: testSalesID,
			}},
		})
		if err != nil {
			t.Fatalf("Failed to create invoice draft: %v", err)
		}
		if _, err := svc.invoices.PostInvoice(ctx, draft.ID, principal, core.PostOptions{}); err != nil {
			t.Fatalf("Failed to post invoice: %v", err)
		}
	}

	asOf := midFY().AddDate(0, 0, 30)
	postDated(asOf, "500.00")                 // due today: current bucket
	postDated(asOf.AddDate(0, 0, -45), "300.00") // 45 days overdue
	postDated(asOf.AddDate(0, 0, -100), "200.00") // 100 days overdue

	report, err := svc.aging.Report(ctx, testCompanyID, asOf)
	if err != nil {
		t.Fatalf("Failed to build aging report: %v", err)
	}
	if len(report.Parties) != 1 {
		t.Fatalf("Expected 1 party, got %d", len(report.Parties))
	}
	b := report.Parties[0].Buckets
	if !b.Current.Equal(mustDecimal(t, "500.00")) {
		t.Errorf("Expected current 500.00, got %s", b.Current)
	}
	if !b.Days31to60.Equal(mustDecimal(t, "300.00")) {
		t.Errorf("Expected 31-60 bucket 300.00, got %s", b.Days31to60)
	}
	if !b.Over90.Equal(mustDecimal(t, "200.00")) {
		t.Errorf("Expected over-90 bucket 200.00, got %s", b.Over90)
	}
	if !report.Totals.Total.Equal(mustDecimal(t, "1000.00")) {
		t.Errorf("Expected total 1000.00, got %s", report.Totals.Total)
	}
	if !report.IsBalanced() {
		t.Error("Report totals do not match party rows")
	}
}

func TestAudit_PostingLeavesTrail(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	posted := postJournal(t, svc, "100.00")

	trail, err := svc.audit.ListForObject(ctx, testCompanyID, "voucher", posted.ID)
	if err != nil {
		t.Fatalf("Failed to list audit trail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("Expected 1 audit entry, got %d", len(trail))
	}
	if trail[0].ActionType != "POSTED" || trail[0].Actor != "tester" {
		t.Errorf("Unexpected entry: action=%s actor=%s", trail[0].ActionType, trail[0].Actor)
	}
}
