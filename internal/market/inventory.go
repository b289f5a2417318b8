package market

// inventoryPool tracks the remaining tradable shares per company for one
// session. It is guarded by the owning session's lock; reserve either
// fully claims the quantity or mutates nothing.
type inventoryPool struct {
	remaining map[string]int
	initial   map[string]int
}

func newInventoryPool(companies []CompanyConfig) *inventoryPool {
	p := &inventoryPool{
		remaining: make(map[string]int, len(companies)),
		initial:   make(map[string]int, len(companies)),
	}
	for _, c := range companies {
		p.remaining[c.Name] = c.Supply
		p.initial[c.Name] = c.Supply
	}
	return p
}

func (p *inventoryPool) reserve(company string, quantity int) error {
	left, ok := p.remaining[company]
	if !ok {
		return ErrCompanyNotFound
	}
	if quantity > left {
		return ErrInsufficientSupply
	}
	p.remaining[company] = left - quantity
	return nil
}

func (p *inventoryPool) release(company string, quantity int) error {
	left, ok := p.remaining[company]
	if !ok {
		return ErrCompanyNotFound
	}
	if left+quantity > p.initial[company] {
		return ErrSupplyOverflow
	}
	p.remaining[company] = left + quantity
	return nil
}

func (p *inventoryPool) snapshotRemaining() map[string]int {
	out := make(map[string]int, len(p.remaining))
	for company, left := range p.remaining {
		out[company] = left
	}
	return out
}

// HoldingLimitPolicy reports whether buying quantity more shares would
// push one user's holding of a company over the session's accumulation
// cap. userCount is the number of registered participants.
type HoldingLimitPolicy func(userCount, holding, quantity int) bool

// HalfFloatHoldingLimit caps a single holder at half the participant
// count plus one. An unknown participant count blocks the buy.
func HalfFloatHoldingLimit(userCount, holding, quantity int) bool {
	if userCount <= 0 {
		return true
	}
	return holding+quantity > userCount/2+1
}

// UnlimitedHolding disables the cap.
func UnlimitedHolding(userCount, holding, quantity int) bool {
	return false
}

func HoldingPolicyByName(name string) HoldingLimitPolicy {
	switch name {
	case "none":
		return UnlimitedHolding
	default:
		return HalfFloatHoldingLimit
	}
}
