package market

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// Session is one isolated market: its users, prices, inventory, logs and
// round state. Every mutation goes through mu, so operations against the
// same session are linearized while distinct sessions run in parallel.
type Session struct {
	mu sync.Mutex

	id            string
	state         State
	round         int
	cfg           SessionConfig
	prices        *PriceSeries
	pool          *inventoryPool
	users         map[string]*User
	logs          []TradeLog
	idem          map[string]struct{}
	nextIndex     int
	seq           int64
	rand          *mathrand.Rand
	createdAt     time.Time
	expiresAt     time.Time
	nextAdvanceAt time.Time
}

func newSession(id string, cfg SessionConfig, now time.Time) *Session {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = now.UnixNano()
	}
	return &Session{
		id:            id,
		state:         StateOpen,
		cfg:           cfg,
		prices:        newPriceSeries(cfg.Companies),
		pool:          newInventoryPool(cfg.Companies),
		users:         make(map[string]*User),
		idem:          make(map[string]struct{}),
		rand:          mathrand.New(mathrand.NewSource(seed)),
		createdAt:     now,
		expiresAt:     now.Add(cfg.TTL),
		nextAdvanceAt: now.Add(cfg.FluctuationInterval),
	}
}

func (s *Session) user(userID string) (*User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *Session) userView(u *User) UserView {
	inv := make(map[string]int, len(u.Inventory))
	for c, n := range u.Inventory {
		inv[c] = n
	}
	avg := make(map[string]int64, len(u.AvgPrice))
	for c, p := range u.AvgPrice {
		avg[c] = p
	}
	var loan *LoanRecord
	if u.Loan != nil {
		cp := *u.Loan
		loan = &cp
	}
	return UserView{
		ID:           u.ID,
		SessionID:    s.id,
		Money:        u.Money,
		Inventory:    inv,
		AvgPrice:     avg,
		IsFrozen:     u.Frozen,
		Loan:         loan,
		Introduction: u.Introduction,
		Index:        u.Index,
	}
}

func (s *Session) marketSnapshot() MarketSnapshot {
	return MarketSnapshot{
		SessionID:         s.id,
		State:             s.state,
		Round:             s.round,
		MaxRound:          s.cfg.MaxRound,
		IsTransactionOpen: s.state == StateOpen,
		FluctuationEvery:  s.cfg.FluctuationInterval,
		Prices:            s.prices.currentAll(),
		PriceSeries:       s.prices.snapshot(),
		RemainingStocks:   s.pool.snapshotRemaining(),
		UserCount:         len(s.users),
	}
}

func (s *Session) appendLog(log TradeLog) {
	s.logs = append(s.logs, log)
}

// SessionSnapshot is the point-in-time serialization of a session used
// for restart recovery. Trade logs are persisted separately, append-only.
// Seq is assigned under the session lock and orders store writes: the
// registry never lets a lower Seq overwrite a higher one.
type SessionSnapshot struct {
	ID              string             `json:"id"`
	Seq             int64              `json:"seq"`
	State           State              `json:"state"`
	Round           int                `json:"round"`
	Config          SessionConfig      `json:"config"`
	PriceSeries     map[string][]int64 `json:"price_series"`
	RemainingStocks map[string]int     `json:"remaining_stocks"`
	InitialSupply   map[string]int     `json:"initial_supply"`
	Users           []UserSnapshot     `json:"users"`
	NextIndex       int                `json:"next_index"`
	IdempotencyKeys []string           `json:"idempotency_keys,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	NextAdvanceAt   time.Time          `json:"next_advance_at"`
}

type UserSnapshot struct {
	ID           string           `json:"id"`
	Money        int64            `json:"money"`
	Inventory    map[string]int   `json:"inventory"`
	AvgPrice     map[string]int64 `json:"avg_price"`
	Frozen       bool             `json:"frozen"`
	Loan         *LoanRecord      `json:"loan,omitempty"`
	Introduction string           `json:"introduction"`
	Index        int              `json:"index"`
}

func (s *Session) snapshot() SessionSnapshot {
	users := make([]UserSnapshot, 0, len(s.users))
	for _, u := range s.users {
		var loan *LoanRecord
		if u.Loan != nil {
			cp := *u.Loan
			loan = &cp
		}
		inv := make(map[string]int, len(u.Inventory))
		for c, n := range u.Inventory {
			inv[c] = n
		}
		avg := make(map[string]int64, len(u.AvgPrice))
		for c, p := range u.AvgPrice {
			avg[c] = p
		}
		users = append(users, UserSnapshot{
			ID:           u.ID,
			Money:        u.Money,
			Inventory:    inv,
			AvgPrice:     avg,
			Frozen:       u.Frozen,
			Loan:         loan,
			Introduction: u.Introduction,
			Index:        u.Index,
		})
	}
	initial := make(map[string]int, len(s.pool.initial))
	for c, n := range s.pool.initial {
		initial[c] = n
	}
	var idem []string
	for k := range s.idem {
		idem = append(idem, k)
	}
	// SETTLING never outlives the lock, so a snapshot taken mid-advance
	// records the session as open.
	state := s.state
	if state == StateSettling {
		state = StateOpen
	}
	s.seq++
	return SessionSnapshot{
		ID:              s.id,
		Seq:             s.seq,
		State:           state,
		Round:           s.round,
		Config:          s.cfg,
		PriceSeries:     s.prices.snapshot(),
		RemainingStocks: s.pool.snapshotRemaining(),
		InitialSupply:   initial,
		Users:           users,
		NextIndex:       s.nextIndex,
		IdempotencyKeys: idem,
		CreatedAt:       s.createdAt,
		ExpiresAt:       s.expiresAt,
		NextAdvanceAt:   s.nextAdvanceAt,
	}
}

func sessionFromSnapshot(snap SessionSnapshot, logs []TradeLog, now time.Time) *Session {
	cfg := snap.Config.withDefaults()
	s := &Session{
		id:            snap.ID,
		state:         snap.State,
		round:         snap.Round,
		cfg:           cfg,
		prices:        &PriceSeries{series: snap.PriceSeries},
		pool:          &inventoryPool{remaining: snap.RemainingStocks, initial: snap.InitialSupply},
		users:         make(map[string]*User, len(snap.Users)),
		logs:          logs,
		idem:          make(map[string]struct{}, len(snap.IdempotencyKeys)),
		nextIndex:     snap.NextIndex,
		seq:           snap.Seq,
		rand:          mathrand.New(mathrand.NewSource(now.UnixNano())),
		createdAt:     snap.CreatedAt,
		expiresAt:     snap.ExpiresAt,
		nextAdvanceAt: snap.NextAdvanceAt,
	}
	if s.prices.series == nil {
		s.prices = newPriceSeries(cfg.Companies)
	}
	if s.pool.remaining == nil || s.pool.initial == nil {
		s.pool = newInventoryPool(cfg.Companies)
	}
	for _, k := range snap.IdempotencyKeys {
		s.idem[k] = struct{}{}
	}
	for _, us := range snap.Users {
		inv := us.Inventory
		if inv == nil {
			inv = make(map[string]int)
		}
		avg := us.AvgPrice
		if avg == nil {
			avg = make(map[string]int64)
		}
		var loan *LoanRecord
		if us.Loan != nil {
			cp := *us.Loan
			loan = &cp
		}
		s.users[us.ID] = &User{
			ID:           us.ID,
			SessionID:    snap.ID,
			Money:        us.Money,
			Inventory:    inv,
			AvgPrice:     avg,
			Frozen:       us.Frozen,
			Loan:         loan,
			Introduction: us.Introduction,
			Index:        us.Index,
		}
	}
	return s
}
