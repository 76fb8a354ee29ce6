// README: Capped driver payout type used by free-ride settlement.
package types

import "fmt"

// Payout is a driver credit that is clamped to a cap when constructed.
// The amount is unexported so no later code path can raise it past the
// cap; historically that bug class (fare edits inflating a platform
// payout) is what this type exists to rule out.
type Payout struct {
	amount Money
	capped bool
}

func NewPayout(fare, cap Money) (Payout, error) {
	if fare.Currency != cap.Currency {
		return Payout{}, fmt.Errorf("currency mismatch: fare %s vs cap %s", fare.Currency, cap.Currency)
	}
	if fare.Negative() || cap.Negative() {
		return Payout{}, fmt.Errorf("negative payout input: fare %s, cap %s", fare, cap)
	}
	if fare.Amount > cap.Amount {
		return Payout{amount: cap, capped: true}, nil
	}
	return Payout{amount: fare}, nil
}

func (p Payout) Amount() Money { return p.amount }

// Capped reports whether the fare exceeded the cap.
func (p Payout) Capped() bool { return p.capped }
