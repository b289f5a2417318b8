package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() SessionConfig {
	return SessionConfig{
		Companies:        []CompanyConfig{{Name: "Cat Planning", InitialPrice: 100_000, Supply: 30}},
		MaxRound:         10,
		StartMoney:       1_000_000,
		HoldingLimitName: "none",
		Seed:             1,
	}
}

func newTestEngine(t *testing.T, cfg SessionConfig) (*Registry, *Engine) {
	t.Helper()
	reg := NewRegistry(NoopStore{}, nil, NewBroker(), discardLogger())
	if _, err := reg.Create(context.Background(), "party", cfg); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return reg, NewEngine(reg, discardLogger())
}

func mustRegister(t *testing.T, reg *Registry, userID string) {
	t.Helper()
	if _, err := reg.RegisterUser(context.Background(), "party", UserDraft{UserID: userID}); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
}

func TestBuyDeductsMoneyAndSupply(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")

	res, err := engine.Buy(context.Background(), TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 3,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.UnitPrice != 100_000 {
		t.Fatalf("unit price got=%d want=100000", res.UnitPrice)
	}
	if res.User.Money != 700_000 {
		t.Fatalf("money got=%d want=700000", res.User.Money)
	}
	if res.Remaining != 27 {
		t.Fatalf("remaining got=%d want=27", res.Remaining)
	}
	if res.User.AvgPrice["Cat Planning"] != 100_000 {
		t.Fatalf("avg got=%d want=100000", res.User.AvgPrice["Cat Planning"])
	}
}

func TestBuyInsufficientFundsIsLogged(t *testing.T) {
	cfg := testConfig()
	cfg.StartMoney = 100_000
	reg, engine := newTestEngine(t, cfg)
	mustRegister(t, reg, "alice")

	in := TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 1}
	if _, err := engine.Buy(context.Background(), in); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := engine.Buy(context.Background(), in); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}

	logs, err := reg.TradeLogs("party", LogFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("log count got=%d want=2", len(logs))
	}
	failed := logs[1]
	if failed.FailedReason == "" || failed.Quantity != 0 || failed.UnitPrice != 0 {
		t.Fatalf("failure log malformed: %+v", failed)
	}
}

func TestSellRoundTripRestoresState(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	in := TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 2}
	if _, err := engine.Buy(ctx, in); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := engine.Sell(ctx, in)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.User.Money != 1_000_000 {
		t.Fatalf("round trip money got=%d want=1000000", res.User.Money)
	}
	if res.Remaining != 30 {
		t.Fatalf("round trip supply got=%d want=30", res.Remaining)
	}
	if len(res.User.Inventory) != 0 {
		t.Fatalf("inventory should be empty: %v", res.User.Inventory)
	}
}

func TestSellAll(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	// No holding: success no-op, nothing logged.
	res, err := engine.SellAll(ctx, TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning"})
	if err != nil {
		t.Fatalf("empty sell-all: %v", err)
	}
	if res.Quantity != 0 {
		t.Fatalf("empty sell-all quantity got=%d want=0", res.Quantity)
	}
	logs, _ := reg.TradeLogs("party", LogFilter{})
	if len(logs) != 0 {
		t.Fatalf("empty sell-all should not log: %d entries", len(logs))
	}

	if _, err := engine.Buy(ctx, TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 4}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err = engine.SellAll(ctx, TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning"})
	if err != nil {
		t.Fatalf("sell-all: %v", err)
	}
	if res.Quantity != 4 || res.Remaining != 30 {
		t.Fatalf("sell-all got qty=%d remaining=%d want 4/30", res.Quantity, res.Remaining)
	}
}

func TestHoldingLimitBlocksBuy(t *testing.T) {
	cfg := testConfig()
	cfg.HoldingLimitName = "" // half-float
	reg, engine := newTestEngine(t, cfg)
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	// One participant caps the holding at 1/2+1 = 1 share.
	in := TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 1}
	if _, err := engine.Buy(ctx, in); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := engine.Buy(ctx, in); !errors.Is(err, ErrOverHoldingLimit) {
		t.Fatalf("got %v want ErrOverHoldingLimit", err)
	}

	// More players raise the cap.
	mustRegister(t, reg, "bob")
	mustRegister(t, reg, "carol")
	mustRegister(t, reg, "dave")
	if _, err := engine.Buy(ctx, in); err != nil {
		t.Fatalf("buy after cap raise: %v", err)
	}
}

func TestInvalidQuantity(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")
	_, err := engine.Buy(context.Background(), TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 0,
	})
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("got %v want ErrInvalidQuantity", err)
	}
}

func TestUnknownUserFailsFastWithoutLog(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	_, err := engine.Buy(context.Background(), TradeInput{
		SessionID: "party", UserID: "ghost", Company: "Cat Planning", Quantity: 1,
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v want ErrUserNotFound", err)
	}
	logs, _ := reg.TradeLogs("party", LogFilter{})
	if len(logs) != 0 {
		t.Fatalf("fail-fast path should not log: %d entries", len(logs))
	}

	_, err = engine.Buy(context.Background(), TradeInput{
		SessionID: "nowhere", UserID: "ghost", Company: "Cat Planning", Quantity: 1,
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v want ErrSessionNotFound", err)
	}
}

func TestAdvanceRoundPublishesNewPrices(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	ctx := context.Background()

	res, err := engine.AdvanceRound(ctx, "party")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Round != 1 || res.State != StateOpen {
		t.Fatalf("got round=%d state=%s want 1/OPEN", res.Round, res.State)
	}
	snap, err := reg.Market("party")
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if len(snap.PriceSeries["Cat Planning"]) != 2 {
		t.Fatalf("series length got=%d want=2", len(snap.PriceSeries["Cat Planning"]))
	}
	if !snap.IsTransactionOpen {
		t.Fatalf("market should reopen after advance")
	}
}

func TestRoundCapClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRound = 2
	reg, engine := newTestEngine(t, cfg)
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	if _, err := engine.AdvanceRound(ctx, "party"); err != nil {
		t.Fatalf("advance to final round: %v", err)
	}

	// Advancing at the final round closes instead of advancing.
	res, err := engine.AdvanceRound(ctx, "party")
	if !errors.Is(err, ErrRoundLimitExceeded) {
		t.Fatalf("got %v want ErrRoundLimitExceeded", err)
	}
	if res.State != StateClosed || res.Round != 1 {
		t.Fatalf("close result got state=%s round=%d", res.State, res.Round)
	}

	// The closed session rejects trades and further advances.
	_, err = engine.Buy(ctx, TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 1})
	if !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("got %v want ErrMarketClosed", err)
	}
	if res, err := engine.AdvanceRound(ctx, "party"); !errors.Is(err, ErrRoundLimitExceeded) || res.SessionID != "" {
		t.Fatalf("closed advance got res=%+v err=%v", res, err)
	}
}

func TestFrozenUserBlocked(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	view, err := engine.FreezeUser(ctx, "party", "alice")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !view.IsFrozen {
		t.Fatalf("freeze did not stick")
	}

	in := TradeInput{SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 1}
	if _, err := engine.Buy(ctx, in); !errors.Is(err, ErrUserFrozen) {
		t.Fatalf("buy got %v want ErrUserFrozen", err)
	}
	if _, err := engine.StartLoan(ctx, "party", "alice"); !errors.Is(err, ErrUserFrozen) {
		t.Fatalf("loan got %v want ErrUserFrozen", err)
	}

	if _, err := engine.UnfreezeUser(ctx, "party", "alice"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := engine.Buy(ctx, in); err != nil {
		t.Fatalf("buy after unfreeze: %v", err)
	}
}

func TestLoanThroughEngine(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")
	ctx := context.Background()

	view, err := engine.StartLoan(ctx, "party", "alice")
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if view.Money != 2_000_000 {
		t.Fatalf("money after loan got=%d want=2000000", view.Money)
	}
	view, err = engine.SettleLoan(ctx, "party", "alice")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Repaid 1_000_000 principal + 20% interest.
	if view.Money != 800_000 {
		t.Fatalf("money after settle got=%d want=800000", view.Money)
	}
}

func TestConcurrentBuysNeverOversell(t *testing.T) {
	cfg := testConfig()
	cfg.Companies = []CompanyConfig{{Name: "Cat Planning", InitialPrice: 100_000, Supply: 1}}
	reg, engine := newTestEngine(t, cfg)
	mustRegister(t, reg, "alice")
	mustRegister(t, reg, "bob")
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = engine.Buy(ctx, TradeInput{
				SessionID: "party", UserID: user, Company: "Cat Planning", Quantity: 1,
			})
		}(i, user)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInsufficientSupply):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("last share race got wins=%d losses=%d want 1/1", wins, losses)
	}
	snap, _ := reg.Market("party")
	if snap.RemainingStocks["Cat Planning"] != 0 {
		t.Fatalf("remaining got=%d want=0", snap.RemainingStocks["Cat Planning"])
	}
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	st := newMemStore()
	reg := NewRegistry(st, nil, nil, discardLogger())
	engine := NewEngine(reg, discardLogger())
	ctx := context.Background()
	if _, err := reg.Create(ctx, "party", testConfig()); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRegister(t, reg, "alice")

	in := TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning",
		Quantity: 2, IdempotencyKey: "replay-1",
	}
	res, err := engine.Buy(ctx, in)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.User.Money != 800_000 {
		t.Fatalf("money got=%d want=800000", res.User.Money)
	}

	// Replaying a committed request must not apply twice.
	if _, err := engine.Buy(ctx, in); !errors.Is(err, ErrDuplicateIdempotency) {
		t.Fatalf("got %v want ErrDuplicateIdempotency", err)
	}
	alice, _ := reg.GetUser("party", "alice")
	if alice.Money != 800_000 || alice.Inventory["Cat Planning"] != 2 {
		t.Fatalf("replay mutated state: money=%d inventory=%v", alice.Money, alice.Inventory)
	}
	logs, _ := reg.TradeLogs("party", LogFilter{})
	if len(logs) != 1 {
		t.Fatalf("replay should not log, got %d entries", len(logs))
	}

	// A failed trade does not claim its key, so a retry can still land.
	overspend := TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning",
		Quantity: 1000, IdempotencyKey: "replay-2",
	}
	if _, err := engine.Buy(ctx, overspend); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}
	overspend.Quantity = 1
	if _, err := engine.Buy(ctx, overspend); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestIdempotencyKeysSurviveRestart(t *testing.T) {
	st := newMemStore()
	reg := NewRegistry(st, nil, nil, discardLogger())
	engine := NewEngine(reg, discardLogger())
	ctx := context.Background()
	if _, err := reg.Create(ctx, "party", testConfig()); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRegister(t, reg, "alice")

	in := TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning",
		Quantity: 1, IdempotencyKey: "boot-1",
	}
	if _, err := engine.Buy(ctx, in); err != nil {
		t.Fatalf("buy: %v", err)
	}

	restored := NewRegistry(st, nil, nil, discardLogger())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restoredEngine := NewEngine(restored, discardLogger())
	if _, err := restoredEngine.Buy(ctx, in); !errors.Is(err, ErrDuplicateIdempotency) {
		t.Fatalf("got %v want ErrDuplicateIdempotency after restart", err)
	}
}
