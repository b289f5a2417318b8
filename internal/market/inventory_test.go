package market

import (
	"errors"
	"testing"
)

func TestInventoryReserveRelease(t *testing.T) {
	pool := newInventoryPool([]CompanyConfig{{Name: "Penguin Confectionery", InitialPrice: 100_000, Supply: 3}})

	if err := pool.reserve("Penguin Confectionery", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if left := pool.remaining["Penguin Confectionery"]; left != 1 {
		t.Fatalf("remaining got=%d want=1", left)
	}
	if err := pool.reserve("Penguin Confectionery", 2); !errors.Is(err, ErrInsufficientSupply) {
		t.Fatalf("got %v want ErrInsufficientSupply", err)
	}
	// Failed reserve mutates nothing.
	if left := pool.remaining["Penguin Confectionery"]; left != 1 {
		t.Fatalf("failed reserve changed remaining: %d", left)
	}

	if err := pool.release("Penguin Confectionery", 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := pool.release("Penguin Confectionery", 1); !errors.Is(err, ErrSupplyOverflow) {
		t.Fatalf("got %v want ErrSupplyOverflow", err)
	}

	if err := pool.reserve("Nope Inc", 1); !errors.Is(err, ErrCompanyNotFound) {
		t.Fatalf("got %v want ErrCompanyNotFound", err)
	}
	if err := pool.release("Nope Inc", 1); !errors.Is(err, ErrCompanyNotFound) {
		t.Fatalf("got %v want ErrCompanyNotFound", err)
	}
}

func TestHalfFloatHoldingLimit(t *testing.T) {
	tests := []struct {
		userCount, holding, quantity int
		over                         bool
	}{
		{userCount: 4, holding: 0, quantity: 3, over: false},
		{userCount: 4, holding: 2, quantity: 1, over: false},
		{userCount: 4, holding: 3, quantity: 1, over: true},
		{userCount: 1, holding: 1, quantity: 1, over: true},
		{userCount: 0, holding: 0, quantity: 1, over: true},
	}
	for _, tc := range tests {
		got := HalfFloatHoldingLimit(tc.userCount, tc.holding, tc.quantity)
		if got != tc.over {
			t.Fatalf("users=%d holding=%d qty=%d got=%t want=%t",
				tc.userCount, tc.holding, tc.quantity, got, tc.over)
		}
	}
}

func TestHoldingPolicyByName(t *testing.T) {
	if HoldingPolicyByName("none")(0, 100, 100) {
		t.Fatalf("none policy should never block")
	}
	if !HoldingPolicyByName("")(0, 0, 1) {
		t.Fatalf("default policy should block with no participants")
	}
}
