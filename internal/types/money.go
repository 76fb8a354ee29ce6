// README: Common money value object used across modules.
package types

import "fmt"

// DefaultCurrency is the platform settlement currency. All amounts are
// held as integer minor units (kobo); there is no floating-point money
// anywhere in the system.
const DefaultCurrency = "NGN"

type Money struct {
	Amount   int64
	Currency string
}

// NGN builds a naira amount from kobo.
func NGN(kobo int64) Money {
	return Money{Amount: kobo, Currency: DefaultCurrency}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) Negative() bool { return m.Amount < 0 }

// Add returns m+o. The currencies must match.
func (m Money) Add(o Money) (Money, error) {
	if err := m.assertSameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}, nil
}

// Sub returns m-o. The currencies must match; the result may be negative.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.assertSameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}, nil
}

// Covers reports whether a balance of m can pay o in full.
func (m Money) Covers(o Money) bool {
	return m.Currency == o.Currency && m.Amount >= o.Amount
}

func (m Money) assertSameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return fmt.Errorf("currency mismatch: %s vs %s", m.Currency, o.Currency)
	}
	return nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}
