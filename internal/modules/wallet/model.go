// README: Wallet accounts and the double-entry ledger.
package wallet

import (
	"time"

	"okada/internal/types"
)

// PlatformAccountID is the system-owned account that funds free-ride
// payouts and referral rewards. It is seeded by migration and topped up
// operationally.
const PlatformAccountID types.ID = "platform"

type Account struct {
	OwnerID   types.ID
	Balance   types.Money
	UpdatedAt time.Time
}

type EntryDirection string

const (
	DirectionDebit  EntryDirection = "debit"
	DirectionCredit EntryDirection = "credit"
)

type EntryKind string

const (
	KindWalletPayment   EntryKind = "wallet_payment"
	KindWalletEarning   EntryKind = "wallet_earning"
	KindFreeRidePayout  EntryKind = "free_ride_payout"
	KindCashPayment     EntryKind = "cash_payment"
	KindCashEarning     EntryKind = "cash_earning"
	KindReferralReward  EntryKind = "referral_reward"
	KindPlatformFunding EntryKind = "platform_funding"
)

// Entry is one half of a ledger movement. Settlement writes entries in
// pairs whose CounterpartID fields reference each other; the balance
// snapshots make each row independently auditable. Cash entries move no
// balance (before equals after) but keep earnings statistics honest.
type Entry struct {
	ID            types.ID
	OwnerID       types.ID
	TripID        *types.ID
	Kind          EntryKind
	Direction     EntryDirection
	Amount        types.Money
	BalanceBefore types.Money
	BalanceAfter  types.Money
	CounterpartID *types.ID
	Note          string
	CreatedAt     time.Time
}

// EntryPair is the two sides of one movement, requester first.
type EntryPair struct {
	Debit  Entry
	Credit Entry
}
