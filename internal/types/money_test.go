package types

import "testing"

func TestMoneyArithmetic(t *testing.T) {
	a := NGN(150000)
	b := NGN(50000)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.Amount != 200000 || sum.Currency != "NGN" {
		t.Errorf("Add = %v, want 200000 NGN", sum)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if diff.Amount != 100000 {
		t.Errorf("Sub = %v, want 100000 NGN", diff)
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	a := NGN(100)
	b := Money{Amount: 100, Currency: "USD"}
	if _, err := a.Add(b); err == nil {
		t.Error("Add across currencies should fail")
	}
	if _, err := a.Sub(b); err == nil {
		t.Error("Sub across currencies should fail")
	}
	if a.Covers(b) {
		t.Error("Covers across currencies should be false")
	}
}

func TestMoneyCovers(t *testing.T) {
	cases := []struct {
		balance, amount int64
		want            bool
	}{
		{100, 100, true},
		{101, 100, true},
		{99, 100, false},
		{0, 0, true},
	}
	for _, c := range cases {
		if got := NGN(c.balance).Covers(NGN(c.amount)); got != c.want {
			t.Errorf("Covers(%d, %d) = %v, want %v", c.balance, c.amount, got, c.want)
		}
	}
}
