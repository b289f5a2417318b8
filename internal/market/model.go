package market

import (
	"errors"
	"time"
)

const (
	DefaultMaxRound            = 10
	DefaultInitialPrice        = int64(100_000)
	DefaultStartMoney          = int64(1_000_000)
	DefaultSupplyPerCompany    = 30
	DefaultFluctuationInterval = 5 * time.Minute
	DefaultSessionTTL          = 6 * time.Hour
	DefaultLoanPrincipal       = int64(1_000_000)
	DefaultLoanInterestRate    = 0.2
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInsufficientSupply = errors.New("no remaining stock")
	ErrOverHoldingLimit   = errors.New("holding limit exceeded")
	ErrMarketClosed       = errors.New("market closed for trading")
	ErrRoundLimitExceeded = errors.New("round limit exceeded")
	ErrRoundOutOfRange    = errors.New("round out of range")
	ErrLoanAlreadyActive  = errors.New("loan already active")
	ErrNoActiveLoan       = errors.New("no active loan")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserFrozen         = errors.New("user is frozen")
	ErrCompanyNotFound    = errors.New("company not found")
	ErrInvalidQuantity    = errors.New("quantity must be > 0")
	ErrSupplyOverflow     = errors.New("supply overflow")

	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// State is the per-session trading phase. SETTLING is only ever observed
// from inside the session lock; callers racing a round boundary see either
// the old round or the new one, never a half-advanced market.
type State string

const (
	StateOpen     State = "OPEN"
	StateSettling State = "SETTLING"
	StateClosed   State = "CLOSED"
)

type LoanRecord struct {
	Principal    int64   `json:"principal"`
	StartRound   int     `json:"start_round"`
	InterestRate float64 `json:"interest_rate"`
	Settled      bool    `json:"settled"`
}

type User struct {
	ID           string
	SessionID    string
	Money        int64
	Inventory    map[string]int
	AvgPrice     map[string]int64
	Frozen       bool
	Loan         *LoanRecord
	Introduction string
	Index        int
}

type TradeLog struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Company      string    `json:"company"`
	Round        int       `json:"round"`
	Action       Action    `json:"action"`
	Quantity     int       `json:"quantity"`
	UnitPrice    int64     `json:"unit_price"`
	FailedReason string    `json:"failed_reason,omitempty"`
	At           time.Time `json:"at"`
}

type CompanyConfig struct {
	Name         string `json:"name"`
	InitialPrice int64  `json:"initial_price"`
	Supply       int    `json:"supply"`
}

type SessionConfig struct {
	Companies           []CompanyConfig `json:"companies"`
	MaxRound            int             `json:"max_round"`
	FluctuationInterval time.Duration   `json:"fluctuation_interval"`
	Volatility          string          `json:"volatility"`
	TTL                 time.Duration   `json:"ttl"`
	StartMoney          int64           `json:"start_money"`
	LoanPrincipal       int64           `json:"loan_principal"`
	LoanInterestRate    float64         `json:"loan_interest_rate"`
	HoldingLimitName    string          `json:"holding_limit"`

	// HoldingLimit overrides HoldingLimitName when set. Not serialized;
	// restored sessions resolve the policy by name.
	HoldingLimit HoldingLimitPolicy `json:"-"`

	// Seed pins the fluctuation RNG, 0 means time-seeded.
	Seed int64 `json:"-"`
}

func (c SessionConfig) withDefaults() SessionConfig {
	if len(c.Companies) == 0 {
		c.Companies = DefaultCompanies()
	}
	for i := range c.Companies {
		if c.Companies[i].InitialPrice <= 0 {
			c.Companies[i].InitialPrice = DefaultInitialPrice
		}
		if c.Companies[i].Supply <= 0 {
			c.Companies[i].Supply = DefaultSupplyPerCompany
		}
	}
	if c.MaxRound <= 0 {
		c.MaxRound = DefaultMaxRound
	}
	if c.FluctuationInterval <= 0 {
		c.FluctuationInterval = DefaultFluctuationInterval
	}
	if c.Volatility == "" {
		c.Volatility = "mor"
	}
	if c.TTL <= 0 {
		c.TTL = DefaultSessionTTL
	}
	if c.StartMoney <= 0 {
		c.StartMoney = DefaultStartMoney
	}
	if c.LoanPrincipal <= 0 {
		c.LoanPrincipal = DefaultLoanPrincipal
	}
	if c.LoanInterestRate <= 0 {
		c.LoanInterestRate = DefaultLoanInterestRate
	}
	if c.HoldingLimit == nil {
		c.HoldingLimit = HoldingPolicyByName(c.HoldingLimitName)
	}
	return c
}

// DefaultCompanies is the stock lineup a session gets when the creator
// does not name their own.
func DefaultCompanies() []CompanyConfig {
	names := []string{
		"Cat Planning", "Turtle Electronics", "Honeybee Trading", "Otter & Co",
		"Rabbit Bank", "Hamster Heavy Industries", "Penguin Confectionery", "Octopus Telecom",
	}
	out := make([]CompanyConfig, 0, len(names))
	for _, n := range names {
		out = append(out, CompanyConfig{
			Name:         n,
			InitialPrice: DefaultInitialPrice,
			Supply:       DefaultSupplyPerCompany,
		})
	}
	return out
}

type UserView struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	Money        int64            `json:"money"`
	Inventory    map[string]int   `json:"inventory"`
	AvgPrice     map[string]int64 `json:"avg_price"`
	IsFrozen     bool             `json:"is_frozen"`
	Loan         *LoanRecord      `json:"loan,omitempty"`
	Introduction string           `json:"introduction"`
	Index        int              `json:"index"`
}

type MarketSnapshot struct {
	SessionID         string             `json:"session_id"`
	State             State              `json:"state"`
	Round             int                `json:"round"`
	MaxRound          int                `json:"max_round"`
	IsTransactionOpen bool               `json:"is_transaction_open"`
	FluctuationEvery  time.Duration      `json:"fluctuation_every"`
	Prices            map[string]int64   `json:"prices"`
	PriceSeries       map[string][]int64 `json:"price_series"`
	RemainingStocks   map[string]int     `json:"remaining_stocks"`
	UserCount         int                `json:"user_count"`
}

type TradeResult struct {
	LogID     string   `json:"log_id"`
	Company   string   `json:"company"`
	Action    Action   `json:"action"`
	Quantity  int      `json:"quantity"`
	UnitPrice int64    `json:"unit_price"`
	Remaining int      `json:"remaining_stocks"`
	User      UserView `json:"user"`
}

type RoundResult struct {
	SessionID string           `json:"session_id"`
	Round     int              `json:"round"`
	State     State            `json:"state"`
	Prices    map[string]int64 `json:"prices"`
}

type UserDraft struct {
	UserID       string `json:"user_id"`
	Introduction string `json:"introduction"`
}

type RegisterResult struct {
	// MessageID is the relay queue receipt, or "direct" when the relay
	// was unreachable and the user was admitted locally.
	MessageID string   `json:"message_id"`
	User      UserView `json:"user"`
}
