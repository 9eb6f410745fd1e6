package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestMoney(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already two places", "100.50", "100.5"},
		{"rounds half up", "100.505", "100.51"},
		{"rounds down below half", "100.504", "100.5"},
		{"gst on odd quantity", "1016.9491", "1016.95"},
		{"zero", "0", "0"},
		{"negative rounds away from zero on half", "-100.505", "-100.51"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Money(d(tt.in)).Equal(d(tt.want)),
				"Money(%s) = %s, want %s", tt.in, Money(d(tt.in)), tt.want)
		})
	}
}

func TestMoneyEqual(t *testing.T) {
	assert.True(t, MoneyEqual(d("100.004"), d("100.001")))
	assert.False(t, MoneyEqual(d("100.01"), d("100.00")))
	assert.True(t, MoneyEqual(d("0.005"), d("0.01")))
}

func TestSumMoney(t *testing.T) {
	// Each term normalizes before adding, so three thirds of a rupee sum to
	// 0.99, not 1.00.
	total := SumMoney(d("0.333"), d("0.333"), d("0.333"))
	assert.True(t, total.Equal(d("0.99")), "got %s", total)
}
