// README: Wallet service tests: entry pairing, transfers, statements.
package wallet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"okada/internal/modules/wallet"
	"okada/internal/store/memory"
	"okada/internal/types"
)

const (
	alice = types.ID("a1111111111111111111111111111111")
	bello = types.ID("b2222222222222222222222222222222")
)

func newWallet(t *testing.T) (*wallet.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return wallet.NewService(store, zap.NewNop()), store
}

func TestBuildPairMutualReferences(t *testing.T) {
	tripID := types.NewID()
	pair := wallet.BuildPair(wallet.PairSpec{
		DebitOwner:   alice,
		CreditOwner:  bello,
		Amount:       types.NGN(30000),
		DebitKind:    wallet.KindWalletPayment,
		CreditKind:   wallet.KindWalletEarning,
		DebitBefore:  types.NGN(100000),
		DebitAfter:   types.NGN(70000),
		CreditBefore: types.NGN(0),
		CreditAfter:  types.NGN(30000),
		TripID:       &tripID,
		Note:         "trip fare",
		At:           time.Now().UTC(),
	})

	if pair.Debit.Direction != wallet.DirectionDebit || pair.Credit.Direction != wallet.DirectionCredit {
		t.Fatalf("directions = %s/%s", pair.Debit.Direction, pair.Credit.Direction)
	}
	if pair.Debit.CounterpartID == nil || *pair.Debit.CounterpartID != pair.Credit.ID {
		t.Error("debit does not reference credit")
	}
	if pair.Credit.CounterpartID == nil || *pair.Credit.CounterpartID != pair.Debit.ID {
		t.Error("credit does not reference debit")
	}
	if pair.Debit.ID == pair.Credit.ID {
		t.Error("entry ids must differ")
	}
	if pair.Debit.BalanceBefore.Amount != 100000 || pair.Debit.BalanceAfter.Amount != 70000 {
		t.Errorf("debit snapshots = %v → %v", pair.Debit.BalanceBefore, pair.Debit.BalanceAfter)
	}
	if pair.Credit.TripID == nil || *pair.Credit.TripID != tripID {
		t.Error("trip id not carried onto the credit entry")
	}
}

func TestTransferMovesBalancesAndWritesLedger(t *testing.T) {
	ctx := context.Background()
	svc, store := newWallet(t)
	store.Fund(alice, types.NGN(100000))

	pair, err := svc.Transfer(ctx, wallet.TransferCommand{
		From:     alice,
		To:       bello,
		Amount:   types.NGN(30000),
		FromKind: wallet.KindReferralReward,
		ToKind:   wallet.KindReferralReward,
		Note:     "referral reward",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	from, err := svc.Balance(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	to, err := svc.Balance(ctx, bello)
	if err != nil {
		t.Fatal(err)
	}
	if from.Balance.Amount != 70000 {
		t.Errorf("sender balance = %d, want 70000", from.Balance.Amount)
	}
	if to.Balance.Amount != 30000 {
		t.Errorf("recipient balance = %d, want 30000", to.Balance.Amount)
	}

	if pair.Debit.OwnerID != alice || pair.Credit.OwnerID != bello {
		t.Errorf("pair owners = %s/%s", pair.Debit.OwnerID, pair.Credit.OwnerID)
	}
	if *pair.Debit.CounterpartID != pair.Credit.ID {
		t.Error("pair entries do not reference each other")
	}

	entries, err := svc.Statement(ctx, bello, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != wallet.KindReferralReward {
		t.Fatalf("recipient statement = %+v", entries)
	}
	if entries[0].BalanceBefore.Amount != 0 || entries[0].BalanceAfter.Amount != 30000 {
		t.Errorf("snapshots = %v → %v", entries[0].BalanceBefore, entries[0].BalanceAfter)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc, store := newWallet(t)
	store.Fund(alice, types.NGN(10000))

	_, err := svc.Transfer(ctx, wallet.TransferCommand{
		From:     alice,
		To:       bello,
		Amount:   types.NGN(30000),
		FromKind: wallet.KindReferralReward,
		ToKind:   wallet.KindReferralReward,
	})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	from, _ := svc.Balance(ctx, alice)
	if from.Balance.Amount != 10000 {
		t.Errorf("failed transfer moved the balance: %d", from.Balance.Amount)
	}
	entries, _ := svc.Statement(ctx, alice, 10)
	if len(entries) != 0 {
		t.Errorf("failed transfer wrote %d ledger entries", len(entries))
	}
}

func TestTransferUnknownSource(t *testing.T) {
	svc, _ := newWallet(t)
	_, err := svc.Transfer(context.Background(), wallet.TransferCommand{
		From:     alice,
		To:       bello,
		Amount:   types.NGN(1000),
		FromKind: wallet.KindPlatformFunding,
		ToKind:   wallet.KindPlatformFunding,
	})
	if !errors.Is(err, wallet.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestBalanceCreatesAccountOnFirstTouch(t *testing.T) {
	svc, _ := newWallet(t)
	acct, err := svc.Balance(context.Background(), alice)
	if err != nil {
		t.Fatalf("first balance read: %v", err)
	}
	if acct.OwnerID != alice || acct.Balance.Amount != 0 {
		t.Errorf("fresh account = %+v", acct)
	}
	if acct.Balance.Currency != types.DefaultCurrency {
		t.Errorf("currency = %s", acct.Balance.Currency)
	}
}

func TestStatementNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	svc, store := newWallet(t)
	store.Fund(alice, types.NGN(100000))

	for _, amount := range []int64{10000, 20000, 30000} {
		if _, err := svc.Transfer(ctx, wallet.TransferCommand{
			From:     alice,
			To:       bello,
			Amount:   types.NGN(amount),
			FromKind: wallet.KindReferralReward,
			ToKind:   wallet.KindReferralReward,
		}); err != nil {
			t.Fatalf("transfer %d: %v", amount, err)
		}
	}

	entries, err := svc.Statement(ctx, bello, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Amount.Amount != 30000 || entries[1].Amount.Amount != 20000 {
		t.Errorf("order = %d, %d; want newest first", entries[0].Amount.Amount, entries[1].Amount.Amount)
	}

	// Out-of-range limits fall back to the default page size.
	all, err := svc.Statement(ctx, bello, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("default-limit statement = %d entries, want 3", len(all))
	}
}
