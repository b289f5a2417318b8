package market

import "math"

// Ledger mutations run with the owning session's lock held; they touch
// only the passed user and either fully apply or leave it untouched.

func applyBuy(u *User, company string, quantity int, unitPrice int64) error {
	cost := int64(quantity) * unitPrice
	if cost > u.Money {
		return ErrInsufficientFunds
	}
	held := u.Inventory[company]
	newQty := held + quantity
	weighted := u.AvgPrice[company]*int64(held) + cost
	u.AvgPrice[company] = weighted / int64(newQty)
	u.Inventory[company] = newQty
	u.Money -= cost
	return nil
}

func applySell(u *User, company string, quantity int, unitPrice int64) error {
	held := u.Inventory[company]
	if quantity > held {
		return ErrInsufficientShares
	}
	u.Money += int64(quantity) * unitPrice
	left := held - quantity
	if left == 0 {
		delete(u.Inventory, company)
		delete(u.AvgPrice, company)
		return nil
	}
	// Partial sells retire cost proportionally: the remaining average
	// cost basis stays where it was.
	u.Inventory[company] = left
	return nil
}

// AveragePurchasePrice recomputes the cost basis for one company from the
// trade logs of a single round window, oldest first. It is the historical
// oracle for the running average the ledger maintains: selling reduces
// quantity but never moves the remaining average. prev carries the basis
// from earlier rounds when the window has no logs of its own. Returns
// (0, false) when there is no open position.
func AveragePurchasePrice(logs []TradeLog, company string, round int, currentQuantity int, prev int64) (int64, bool) {
	if currentQuantity <= 0 {
		return 0, false
	}
	var qty int
	var cost int64
	seen := false
	for _, l := range logs {
		if l.Company != company || l.Round != round || l.FailedReason != "" {
			continue
		}
		switch l.Action {
		case ActionBuy:
			cost += int64(l.Quantity) * l.UnitPrice
			qty += l.Quantity
			seen = true
		case ActionSell:
			if qty > 0 {
				avg := cost / int64(qty)
				cost -= avg * int64(l.Quantity)
				qty -= l.Quantity
			}
			seen = true
		}
	}
	if !seen || qty <= 0 {
		if prev > 0 {
			return prev, true
		}
		return 0, false
	}
	return cost / int64(qty), true
}

// ProfitRate is (current - avg) / avg * 100. Returns (0, false) with no
// open position or a zero basis.
func ProfitRate(currentPrice, avgPurchasePrice int64) (float64, bool) {
	if avgPurchasePrice <= 0 {
		return 0, false
	}
	return float64(currentPrice-avgPurchasePrice) / float64(avgPurchasePrice) * 100, true
}

func startLoan(u *User, principal int64, rate float64, round int) error {
	if u.Loan != nil && !u.Loan.Settled {
		return ErrLoanAlreadyActive
	}
	u.Loan = &LoanRecord{
		Principal:    principal,
		StartRound:   round,
		InterestRate: rate,
	}
	u.Money += principal
	return nil
}

func settleLoan(u *User) error {
	if u.Loan == nil || u.Loan.Settled {
		return ErrNoActiveLoan
	}
	repayment := u.Loan.Principal + int64(math.Round(float64(u.Loan.Principal)*u.Loan.InterestRate))
	if u.Money < repayment {
		return ErrInsufficientFunds
	}
	u.Money -= repayment
	u.Loan.Settled = true
	return nil
}
