// Package currencyrate resolves the exchange rate that converts a foreign purchase-order
// currency into the base currency.
package currencyrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

var ErrRateUnavailable = errors.New("currency rate unavailable")

// Rate multiplies an amount in Currency into the base currency. Date is the day the rate was
// published, which can be earlier than the requested day.
type Rate struct {
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
	Date     time.Time       `json:"date"`
}

type Provider interface {
	GetRate(ctx context.Context, currency string, date time.Time) (Rate, error)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Static serves fixed rates keyed by currency, with an optional per-day override keyed
// "CUR|2006-01-02". BaseCurrency always resolves to 1.
type Static struct {
	BaseCurrency string
	Rates        map[string]decimal.Decimal
	// Err, when set, is returned for every non-base lookup.
	Err error
}

func (s Static) GetRate(_ context.Context, currency string, date time.Time) (Rate, error) {
	currency = normalizeCurrency(currency)
	day := Day(date)
	if currency == "" || currency == normalizeCurrency(s.BaseCurrency) {
		return Rate{Currency: currency, Rate: decimal.NewFromInt(1), Date: day}, nil
	}
	if s.Err != nil {
		return Rate{}, s.Err
	}
	if r, ok := s.Rates[currency+"|"+day.Format(DateLayout)]; ok {
		return Rate{Currency: currency, Rate: r, Date: day}, nil
	}
	if r, ok := s.Rates[currency]; ok {
		return Rate{Currency: currency, Rate: r, Date: day}, nil
	}
	return Rate{}, fmt.Errorf("%s on %s: %w", currency, day.Format(DateLayout), ErrRateUnavailable)
}
