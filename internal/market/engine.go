package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine applies trades, loans and round transitions against the
// sessions held by a Registry. Each operation takes the target session's
// lock for its whole validate-and-mutate span, so a trade either happens
// in full or not at all, and a round boundary never interleaves with an
// in-flight trade.
type Engine struct {
	reg *Registry
	log *slog.Logger
	now func() time.Time
}

func NewEngine(reg *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{reg: reg, log: logger, now: time.Now}
}

type TradeInput struct {
	SessionID string
	UserID    string
	Company   string
	Quantity  int

	// IdempotencyKey guards replayed requests. A key is claimed when its
	// trade commits; a second trade carrying the same key is rejected
	// with ErrDuplicateIdempotency instead of applying twice.
	IdempotencyKey string
}

func (e *Engine) Buy(ctx context.Context, in TradeInput) (TradeResult, error) {
	return e.trade(ctx, ActionBuy, in, false)
}

func (e *Engine) Sell(ctx context.Context, in TradeInput) (TradeResult, error) {
	return e.trade(ctx, ActionSell, in, false)
}

// SellAll sells the user's whole holding of a company. A zero holding is
// a successful no-op, not an error. The holding is read under the same
// lock that applies the sell, so nothing can change it in between.
func (e *Engine) SellAll(ctx context.Context, in TradeInput) (TradeResult, error) {
	return e.trade(ctx, ActionSell, in, true)
}

func (e *Engine) trade(ctx context.Context, action Action, in TradeInput, sellAll bool) (TradeResult, error) {
	s, err := e.reg.session(in.SessionID)
	if err != nil {
		return TradeResult{}, err
	}

	s.mu.Lock()
	u, err := s.user(in.UserID)
	if err != nil {
		// Nonexistent users fail fast before any shared state is read.
		s.mu.Unlock()
		return TradeResult{}, err
	}
	if in.IdempotencyKey != "" {
		if _, dup := s.idem[in.IdempotencyKey]; dup {
			s.mu.Unlock()
			return TradeResult{}, ErrDuplicateIdempotency
		}
	}
	if sellAll {
		in.Quantity = u.Inventory[in.Company]
		if in.Quantity == 0 {
			res := TradeResult{
				Company: in.Company,
				Action:  ActionSell,
				User:    s.userView(u),
			}
			s.mu.Unlock()
			return res, nil
		}
	}

	res, log, err := e.tradeLocked(s, u, action, in)
	s.appendLog(log)
	var persist SessionSnapshot
	if err == nil {
		if in.IdempotencyKey != "" {
			s.idem[in.IdempotencyKey] = struct{}{}
		}
		persist = s.snapshot()
	}
	s.mu.Unlock()

	e.reg.persistLog(ctx, log)
	e.reg.events.Publish(LogEvent{SessionID: in.SessionID, Log: log})
	if err == nil {
		e.reg.persist(ctx, persist)
		e.log.Info("trade applied",
			"session_id", in.SessionID, "user_id", in.UserID,
			"company", in.Company, "action", action, "quantity", res.Quantity,
			"unit_price", res.UnitPrice)
	}
	return res, err
}

// tradeLocked runs the full validate-and-mutate sequence under the
// session lock. Any failure aborts with no partial mutation, and the
// returned log carries either the executed quantity or the failure
// reason for clients following the log stream.
func (e *Engine) tradeLocked(s *Session, u *User, action Action, in TradeInput) (TradeResult, TradeLog, error) {
	fail := func(reason error) (TradeResult, TradeLog, error) {
		return TradeResult{}, TradeLog{
			ID:           uuid.NewString(),
			SessionID:    s.id,
			UserID:       u.ID,
			Company:      in.Company,
			Round:        s.round,
			Action:       action,
			UnitPrice:    0,
			Quantity:     0,
			FailedReason: reason.Error(),
			At:           e.now(),
		}, reason
	}

	if in.Quantity <= 0 {
		return fail(ErrInvalidQuantity)
	}
	if s.state != StateOpen {
		return fail(ErrMarketClosed)
	}
	if u.Frozen {
		return fail(ErrUserFrozen)
	}
	price, err := s.prices.current(in.Company)
	if err != nil {
		return fail(err)
	}

	switch action {
	case ActionBuy:
		if int64(in.Quantity)*price > u.Money {
			return fail(ErrInsufficientFunds)
		}
		if s.cfg.HoldingLimit(len(s.users), u.Inventory[in.Company], in.Quantity) {
			return fail(ErrOverHoldingLimit)
		}
		if err := s.pool.reserve(in.Company, in.Quantity); err != nil {
			return fail(err)
		}
		if err := applyBuy(u, in.Company, in.Quantity, price); err != nil {
			// Funds were pre-checked; undo the reservation all the same.
			if rErr := s.pool.release(in.Company, in.Quantity); rErr != nil {
				e.log.Error("reservation rollback failed", "session_id", s.id, "company", in.Company, "err", rErr)
			}
			return fail(err)
		}
	case ActionSell:
		if in.Quantity > u.Inventory[in.Company] {
			return fail(ErrInsufficientShares)
		}
		if err := s.pool.release(in.Company, in.Quantity); err != nil {
			return fail(err)
		}
		if err := applySell(u, in.Company, in.Quantity, price); err != nil {
			if rErr := s.pool.reserve(in.Company, in.Quantity); rErr != nil {
				e.log.Error("release rollback failed", "session_id", s.id, "company", in.Company, "err", rErr)
			}
			return fail(err)
		}
	}

	log := TradeLog{
		ID:        uuid.NewString(),
		SessionID: s.id,
		UserID:    u.ID,
		Company:   in.Company,
		Round:     s.round,
		Action:    action,
		Quantity:  in.Quantity,
		UnitPrice: price,
		At:        e.now(),
	}
	res := TradeResult{
		LogID:     log.ID,
		Company:   in.Company,
		Action:    action,
		Quantity:  in.Quantity,
		UnitPrice: price,
		Remaining: s.pool.remaining[in.Company],
		User:      s.userView(u),
	}
	return res, log, nil
}

// AdvanceRound closes the current round's order window, publishes the
// next round's prices and reopens. A session sitting at its final round
// transitions to CLOSED instead and the call reports ErrRoundLimitExceeded.
func (e *Engine) AdvanceRound(ctx context.Context, sessionID string) (RoundResult, error) {
	s, err := e.reg.session(sessionID)
	if err != nil {
		return RoundResult{}, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return RoundResult{}, ErrRoundLimitExceeded
	}
	if s.round >= s.cfg.MaxRound-1 {
		s.state = StateClosed
		res := RoundResult{
			SessionID: sessionID,
			Round:     s.round,
			State:     StateClosed,
			Prices:    s.prices.currentAll(),
		}
		persist := s.snapshot()
		s.mu.Unlock()
		e.reg.persist(ctx, persist)
		e.log.Info("session reached final round, closed", "session_id", sessionID, "round", res.Round)
		return res, ErrRoundLimitExceeded
	}

	s.state = StateSettling
	prices := s.prices.advance(s.rand, volatilityParams(s.cfg.Volatility))
	s.round++
	s.nextAdvanceAt = e.now().Add(s.cfg.FluctuationInterval)
	s.state = StateOpen
	res := RoundResult{
		SessionID: sessionID,
		Round:     s.round,
		State:     StateOpen,
		Prices:    prices,
	}
	persist := s.snapshot()
	s.mu.Unlock()

	e.reg.persist(ctx, persist)
	e.log.Info("round advanced", "session_id", sessionID, "round", res.Round)
	return res, nil
}

func (e *Engine) StartLoan(ctx context.Context, sessionID, userID string) (UserView, error) {
	return e.withUser(ctx, sessionID, userID, func(s *Session, u *User) error {
		if u.Frozen {
			return ErrUserFrozen
		}
		return startLoan(u, s.cfg.LoanPrincipal, s.cfg.LoanInterestRate, s.round)
	})
}

func (e *Engine) SettleLoan(ctx context.Context, sessionID, userID string) (UserView, error) {
	return e.withUser(ctx, sessionID, userID, func(s *Session, u *User) error {
		if u.Frozen {
			return ErrUserFrozen
		}
		return settleLoan(u)
	})
}

// FreezeUser blocks one user's trades regardless of session state.
func (e *Engine) FreezeUser(ctx context.Context, sessionID, userID string) (UserView, error) {
	return e.withUser(ctx, sessionID, userID, func(_ *Session, u *User) error {
		u.Frozen = true
		return nil
	})
}

func (e *Engine) UnfreezeUser(ctx context.Context, sessionID, userID string) (UserView, error) {
	return e.withUser(ctx, sessionID, userID, func(_ *Session, u *User) error {
		u.Frozen = false
		return nil
	})
}

func (e *Engine) withUser(ctx context.Context, sessionID, userID string, fn func(*Session, *User) error) (UserView, error) {
	s, err := e.reg.session(sessionID)
	if err != nil {
		return UserView{}, err
	}
	s.mu.Lock()
	u, err := s.user(userID)
	if err != nil {
		s.mu.Unlock()
		return UserView{}, err
	}
	if err := fn(s, u); err != nil {
		s.mu.Unlock()
		return UserView{}, err
	}
	view := s.userView(u)
	persist := s.snapshot()
	s.mu.Unlock()

	e.reg.persist(ctx, persist)
	return view, nil
}

// AdvanceDue advances every open session whose fluctuation interval has
// elapsed and destroys sessions past their TTL. Called by the worker.
func (e *Engine) AdvanceDue(ctx context.Context, now time.Time) {
	for _, id := range e.reg.ExpiredSessions(now) {
		if err := e.reg.Destroy(ctx, id); err != nil {
			e.log.Error("expired session destroy failed", "session_id", id, "err", err)
		} else {
			e.log.Info("expired session destroyed", "session_id", id)
		}
	}
	for _, id := range e.reg.DueSessions(now) {
		_, err := e.AdvanceRound(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrRoundLimitExceeded):
			e.log.Info("session closed at round cap", "session_id", id)
		case errors.Is(err, ErrSessionNotFound):
		default:
			e.log.Error("round advance failed", "session_id", id, "err", err)
		}
	}
}
