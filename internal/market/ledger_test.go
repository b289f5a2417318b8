package market

import (
	"errors"
	"testing"
)

func newTestUser(money int64) *User {
	return &User{
		ID:        "player-1",
		SessionID: "party",
		Money:     money,
		Inventory: make(map[string]int),
		AvgPrice:  make(map[string]int64),
	}
}

func TestApplyBuyMaintainsWeightedAverage(t *testing.T) {
	u := newTestUser(10_000)
	if err := applyBuy(u, "Rabbit Bank", 2, 100); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if err := applyBuy(u, "Rabbit Bank", 3, 200); err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if got := u.Inventory["Rabbit Bank"]; got != 5 {
		t.Fatalf("holding got=%d want=5", got)
	}
	// (2*100 + 3*200) / 5
	if got := u.AvgPrice["Rabbit Bank"]; got != 160 {
		t.Fatalf("avg got=%d want=160", got)
	}
	if got := u.Money; got != 10_000-800 {
		t.Fatalf("money got=%d want=%d", got, 10_000-800)
	}
}

func TestApplyBuyInsufficientFunds(t *testing.T) {
	u := newTestUser(150)
	err := applyBuy(u, "Rabbit Bank", 2, 100)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}
	if u.Money != 150 || len(u.Inventory) != 0 {
		t.Fatalf("failed buy mutated user: money=%d inventory=%v", u.Money, u.Inventory)
	}
}

func TestApplySellKeepsBasisOnPartialSell(t *testing.T) {
	u := newTestUser(10_000)
	if err := applyBuy(u, "Otter & Co", 4, 500); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := applySell(u, "Otter & Co", 1, 900); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if got := u.AvgPrice["Otter & Co"]; got != 500 {
		t.Fatalf("partial sell moved basis: got=%d want=500", got)
	}
	if got := u.Inventory["Otter & Co"]; got != 3 {
		t.Fatalf("holding got=%d want=3", got)
	}

	if err := applySell(u, "Otter & Co", 3, 900); err != nil {
		t.Fatalf("final sell: %v", err)
	}
	if _, ok := u.Inventory["Otter & Co"]; ok {
		t.Fatalf("zeroed holding should be deleted")
	}
	if _, ok := u.AvgPrice["Otter & Co"]; ok {
		t.Fatalf("zeroed basis should be deleted")
	}
}

func TestApplySellInsufficientShares(t *testing.T) {
	u := newTestUser(1_000)
	if err := applyBuy(u, "Otter & Co", 1, 100); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := applySell(u, "Otter & Co", 2, 100); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("got %v want ErrInsufficientShares", err)
	}
}

func TestAveragePurchasePriceOracle(t *testing.T) {
	logs := []TradeLog{
		{Company: "Cat Planning", Round: 0, Action: ActionBuy, Quantity: 2, UnitPrice: 100},
		{Company: "Cat Planning", Round: 0, Action: ActionBuy, Quantity: 2, UnitPrice: 300},
		{Company: "Cat Planning", Round: 0, Action: ActionBuy, Quantity: 5, UnitPrice: 999, FailedReason: "insufficient funds"},
		{Company: "Turtle Electronics", Round: 0, Action: ActionBuy, Quantity: 1, UnitPrice: 700},
	}
	avg, ok := AveragePurchasePrice(logs, "Cat Planning", 0, 4, 0)
	if !ok || avg != 200 {
		t.Fatalf("got avg=%d ok=%t want avg=200 ok=true", avg, ok)
	}

	// Selling reduces quantity at the running average, the basis of the
	// rest stays put.
	logs = append(logs, TradeLog{Company: "Cat Planning", Round: 0, Action: ActionSell, Quantity: 1, UnitPrice: 500})
	avg, ok = AveragePurchasePrice(logs, "Cat Planning", 0, 3, 0)
	if !ok || avg != 200 {
		t.Fatalf("after sell got avg=%d ok=%t want avg=200 ok=true", avg, ok)
	}
}

func TestAveragePurchasePriceCarriesPrevRound(t *testing.T) {
	// No trades for the company this round: the previous round's basis
	// carries forward while the position is open.
	avg, ok := AveragePurchasePrice(nil, "Cat Planning", 3, 2, 150)
	if !ok || avg != 150 {
		t.Fatalf("got avg=%d ok=%t want avg=150 ok=true", avg, ok)
	}
	if _, ok := AveragePurchasePrice(nil, "Cat Planning", 3, 0, 150); ok {
		t.Fatalf("closed position should report no basis")
	}
}

func TestProfitRate(t *testing.T) {
	rate, ok := ProfitRate(110_000, 100_000)
	if !ok || rate != 10.0 {
		t.Fatalf("got rate=%v ok=%t want 10.0 true", rate, ok)
	}
	rate, ok = ProfitRate(90_000, 100_000)
	if !ok || rate != -10.0 {
		t.Fatalf("got rate=%v ok=%t want -10.0 true", rate, ok)
	}
	if _, ok := ProfitRate(100, 0); ok {
		t.Fatalf("zero basis should report no rate")
	}
}

func TestLoanLifecycle(t *testing.T) {
	u := newTestUser(0)
	if err := startLoan(u, 1_000_000, 0.2, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	if u.Money != 1_000_000 {
		t.Fatalf("principal not credited: %d", u.Money)
	}
	if err := startLoan(u, 1_000_000, 0.2, 2); !errors.Is(err, ErrLoanAlreadyActive) {
		t.Fatalf("got %v want ErrLoanAlreadyActive", err)
	}

	u.Money = 1_100_000
	if err := settleLoan(u); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}

	u.Money = 1_300_000
	if err := settleLoan(u); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if u.Money != 100_000 {
		t.Fatalf("repayment wrong: money=%d want=100000", u.Money)
	}
	if err := settleLoan(u); !errors.Is(err, ErrNoActiveLoan) {
		t.Fatalf("got %v want ErrNoActiveLoan", err)
	}

	// A settled loan does not block a new one.
	if err := startLoan(u, 500_000, 0.2, 5); err != nil {
		t.Fatalf("second loan: %v", err)
	}
}
