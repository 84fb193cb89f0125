// README: Money value object used for order totals.
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "BRL"

// maxAmount is the first value that no longer fits NUMERIC(12,2).
var maxAmount = decimal.New(1, 10)

var ErrInvalidAmount = errors.New("invalid amount")

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// ParseMoney parses a decimal amount such as "42.90". Amounts must have at
// most two decimal places and stay below 10^10. An empty currency falls back
// to DefaultCurrency.
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidAmount, amount, err)
	}
	if !d.Equal(d.Truncate(2)) {
		return Money{}, fmt.Errorf("%w: %q has more than two decimal places", ErrInvalidAmount, amount)
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return Money{}, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, amount)
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: d, Currency: strings.ToUpper(currency)}, nil
}

func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}
