package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockparty/internal/config"
	"stockparty/internal/market"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	reg    *market.Registry
	engine *market.Engine
	mux    *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, reg *market.Registry, engine *market.Engine) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		reg:    reg,
		engine: engine,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		// The event stream stays outside the request timeout; everything
		// else is bounded.
		r.Get("/{sessionID}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))

			r.Post("/", s.handleCreateSession)
			r.Delete("/{sessionID}", s.handleDestroySession)
			r.Get("/{sessionID}/market", s.handleMarket)
			r.Post("/{sessionID}/advance", s.handleAdvanceRound)

			r.Post("/{sessionID}/users/register", s.handleRegisterUser)
			r.Get("/{sessionID}/users", s.handleUserList)
			r.Get("/{sessionID}/users/count", s.handleUserCount)
			r.Delete("/{sessionID}/users", s.handleRemoveAllUsers)
			r.Post("/{sessionID}/users/align-index", s.handleAlignIndex)
			r.Get("/{sessionID}/users/{userID}", s.handleGetUser)
			r.Delete("/{sessionID}/users/{userID}", s.handleRemoveUser)
			r.Post("/{sessionID}/users/{userID}/introduce", s.handleIntroduce)
			r.Post("/{sessionID}/users/{userID}/freeze", s.handleFreezeUser)
			r.Post("/{sessionID}/users/{userID}/unfreeze", s.handleUnfreezeUser)
			r.Post("/{sessionID}/users/{userID}/loan", s.handleStartLoan)
			r.Post("/{sessionID}/users/{userID}/loan/settle", s.handleSettleLoan)
			r.Get("/{sessionID}/users/{userID}/profit", s.handleProfit)

			r.Post("/{sessionID}/trades/buy", s.handleBuy)
			r.Post("/{sessionID}/trades/sell", s.handleSell)
			r.Post("/{sessionID}/trades/sell-all", s.handleSellAll)

			r.Get("/{sessionID}/logs", s.handleLogs)
		})
	})
}

type createSessionRequest struct {
	SessionID          string                 `json:"session_id"`
	Companies          []market.CompanyConfig `json:"companies,omitempty"`
	MaxRound           int                    `json:"max_round,omitempty"`
	FluctuationSeconds int                    `json:"fluctuation_seconds,omitempty"`
	Volatility         string                 `json:"volatility,omitempty"`
	TTLSeconds         int                    `json:"ttl_seconds,omitempty"`
	StartMoney         int64                  `json:"start_money,omitempty"`
	HoldingLimit       string                 `json:"holding_limit,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in createSessionRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	cfg := market.SessionConfig{
		Companies:        in.Companies,
		MaxRound:         in.MaxRound,
		Volatility:       in.Volatility,
		StartMoney:       in.StartMoney,
		HoldingLimitName: in.HoldingLimit,
	}
	if in.FluctuationSeconds > 0 {
		cfg.FluctuationInterval = time.Duration(in.FluctuationSeconds) * time.Second
	} else {
		cfg.FluctuationInterval = s.cfg.DefaultFluctuation
	}
	if in.TTLSeconds > 0 {
		cfg.TTL = time.Duration(in.TTLSeconds) * time.Second
	} else {
		cfg.TTL = s.cfg.DefaultSessionTTL
	}
	if cfg.MaxRound == 0 {
		cfg.MaxRound = s.cfg.DefaultMaxRound
	}
	if cfg.Volatility == "" {
		cfg.Volatility = s.cfg.DefaultVolatility
	}
	if cfg.StartMoney == 0 {
		cfg.StartMoney = s.cfg.DefaultStartMoney
	}

	snap, err := s.reg.Create(r.Context(), in.SessionID, cfg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Destroy(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Market(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.AdvanceRound(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, market.ErrRoundLimitExceeded) && res.SessionID != "" {
		// Final-round advance: the session closed, report that rather
		// than an error.
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var in market.UserDraft
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	out, err := s.reg.RegisterUser(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.reg.UserList(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleUserCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.reg.UserCount(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.reg.GetUser(chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	err := s.reg.RemoveUser(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": true})
}

func (s *Server) handleRemoveAllUsers(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.RemoveAllUsers(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": true})
}

func (s *Server) handleAlignIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.AlignIndex(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIntroduce(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Introduction string `json:"introduction"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.reg.SetIntroduction(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"), in.Introduction)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleFreezeUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.FreezeUser(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUnfreezeUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.UnfreezeUser(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleStartLoan(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.StartLoan(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSettleLoan(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.SettleLoan(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleProfit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := chi.URLParam(r, "userID")
	company := strings.TrimSpace(r.URL.Query().Get("company"))
	if company == "" {
		writeError(w, http.StatusBadRequest, "company is required")
		return
	}
	user, err := s.reg.GetUser(sessionID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	snap, err := s.reg.Market(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	current, ok := snap.Prices[company]
	if !ok {
		writeDomainError(w, market.ErrCompanyNotFound)
		return
	}

	out := map[string]any{
		"company":       company,
		"current_price": current,
		"holding":       user.Inventory[company],
	}
	if avg, held := user.AvgPrice[company]; held && user.Inventory[company] > 0 {
		out["avg_purchase_price"] = avg
		if rate, ok := market.ProfitRate(current, avg); ok {
			out["profit_rate"] = rate
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type tradeRequest struct {
	UserID   string `json:"user_id"`
	Company  string `json:"company"`
	Quantity int    `json:"quantity"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.engine.Buy)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.engine.Sell)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, in market.TradeInput) (market.TradeResult, error)) {
	var in tradeRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := op(r.Context(), market.TradeInput{
		SessionID:      chi.URLParam(r, "sessionID"),
		UserID:         in.UserID,
		Company:        in.Company,
		Quantity:       in.Quantity,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSellAll(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID  string `json:"user_id"`
		Company string `json:"company"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.SellAll(r.Context(), market.TradeInput{
		SessionID:      chi.URLParam(r, "sessionID"),
		UserID:         in.UserID,
		Company:        in.Company,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	f := market.LogFilter{
		UserID:  strings.TrimSpace(r.URL.Query().Get("user_id")),
		Company: strings.TrimSpace(r.URL.Query().Get("company")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("round")); raw != "" {
		round, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid round")
			return
		}
		f.Round = &round
	}
	logs, err := s.reg.TradeLogs(chi.URLParam(r, "sessionID"), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleEvents streams trade-log events for one session as SSE. Replaces
// the old poll-and-diff pattern clients used against the log list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.reg.Market(sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.reg.Events().Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrDuplicateIdempotency):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrSessionNotFound),
		errors.Is(err, market.ErrUserNotFound),
		errors.Is(err, market.ErrCompanyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrNoActiveLoan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrInsufficientSupply),
		errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, market.ErrRoundLimitExceeded),
		errors.Is(err, market.ErrSessionClosed),
		errors.Is(err, market.ErrLoanAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrOverHoldingLimit),
		errors.Is(err, market.ErrUserFrozen):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
