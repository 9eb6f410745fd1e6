package core

import (
	"github.com/shopspring/decimal"
)

// ValidateForPosting enforces the double-entry contract on a draft voucher:
// at least two lines, positive amounts, a known entry type on every line,
// every ledger inside the voucher's company, and Σ money(DR) == Σ money(CR).
// lineLedgers maps ledger ID to its loaded row for company and active checks.
func ValidateForPosting(v *Voucher, vt *VoucherType, fy *FinancialYear, lineLedgers map[string]*Ledger) error {
	if err := guardVoucherTypeActive(vt); err != nil {
		return err
	}
	if err := guardDateInFY(v.VoucherDate, fy); err != nil {
		return err
	}

	if len(v.Lines) < 2 {
		return E(ErrCodeTooFewLines, "voucher must have at least 2 lines, got %d", len(v.Lines))
	}

	totalDR := decimal.Zero
	totalCR := decimal.Zero

	for _, line := range v.Lines {
		if !line.Amount.IsPositive() {
			return E(ErrCodeNonPositiveAmount, "line %d: amount must be positive, got %s", line.LineNo, line.Amount)
		}

		ledger, ok := lineLedgers[line.LedgerID.String()]
		if !ok {
			return E(ErrCodeNotFound, "line %d: ledger %s not found", line.LineNo, line.LedgerID)
		}
		if ledger.CompanyID != v.CompanyID {
			return E(ErrCodeCrossCompanyRef, "line %d: ledger %s belongs to another company", line.LineNo, ledger.Code)
		}
		if err := guardLedgerActive(ledger); err != nil {
			return err
		}

		switch line.EntryType {
		case EntryDR:
			totalDR = totalDR.Add(Money(line.Amount))
		case EntryCR:
			totalCR = totalCR.Add(Money(line.Amount))
		default:
			return E(ErrCodeInvalidEntryType, "line %d: entry type must be DR or CR, got %q", line.LineNo, line.EntryType)
		}
	}

	if !totalDR.Equal(totalCR) {
		return ED(ErrCodeUnbalancedVoucher,
			map[string]any{"total_dr": totalDR.StringFixed(2), "total_cr": totalCR.StringFixed(2)},
			"voucher is unbalanced: DR %s != CR %s", totalDR.StringFixed(2), totalCR.StringFixed(2))
	}

	return nil
}

// VoucherTotal is the voucher amount used by approval thresholds: the debit
// side of a balanced voucher.
func VoucherTotal(v *Voucher) decimal.Decimal {
	total := decimal.Zero
	for _, line := range v.Lines {
		if line.EntryType == EntryDR {
			total = total.Add(Money(line.Amount))
		}
	}
	return total
}
