package core

import "github.com/shopspring/decimal"

// Money normalizes an amount to two decimal places, round half up.
// Every amount crossing an equality or summation boundary goes through this;
// comparing raw decimals of mixed scale yields false "unbalanced" results on
// realistic tax inputs (e.g. 18% GST on odd quantities).
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MoneyEqual compares two amounts after normalization.
func MoneyEqual(a, b decimal.Decimal) bool {
	return Money(a).Equal(Money(b))
}

// SumMoney sums amounts, normalizing each term before adding.
func SumMoney(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(Money(a))
	}
	return total
}
