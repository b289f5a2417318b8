package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RelayClient is the best-effort registration relay. Register returns
// the relay's queue receipt id. The registry never fails a registration
// because the relay did: the user is admitted locally either way.
type RelayClient interface {
	Register(ctx context.Context, sessionID string, draft UserDraft) (string, error)
}

// Registry owns every live session and serializes access to each one
// through the session's own lock. Operations on different sessions never
// contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	writersMu sync.Mutex
	writers   map[string]*snapshotWriter

	store  Store
	relay  RelayClient
	events *Broker
	log    *slog.Logger
	now    func() time.Time
}

// snapshotWriter serializes one session's store writes. Snapshots are
// captured under the session lock but written after it is released, so
// two writers can race; the sequence check makes sure a stale snapshot
// never lands on top of a newer one, and dropped blocks writes that
// race a destroy from resurrecting the session row.
type snapshotWriter struct {
	mu      sync.Mutex
	seq     int64
	dropped bool
}

func NewRegistry(store Store, relay RelayClient, events *Broker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NoopStore{}
	}
	if events == nil {
		events = NewBroker()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		writers:  make(map[string]*snapshotWriter),
		store:    store,
		relay:    relay,
		events:   events,
		log:      logger,
		now:      time.Now,
	}
}

func (r *Registry) Events() *Broker { return r.events }

func (r *Registry) writer(sessionID string) *snapshotWriter {
	r.writersMu.Lock()
	defer r.writersMu.Unlock()
	w, ok := r.writers[sessionID]
	if !ok {
		w = &snapshotWriter{}
		r.writers[sessionID] = w
	}
	return w
}

func (r *Registry) resetWriter(sessionID string, seq int64) {
	r.writersMu.Lock()
	r.writers[sessionID] = &snapshotWriter{seq: seq}
	r.writersMu.Unlock()
}

// persist writes one snapshot through the session's writer, skipping
// anything out of sequence or aimed at a destroyed session.
func (r *Registry) persist(ctx context.Context, snap SessionSnapshot) {
	w := r.writer(snap.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped || snap.Seq <= w.seq {
		return
	}
	w.seq = snap.Seq
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		r.log.Error("session snapshot failed", "session_id", snap.ID, "err", err)
	}
}

func (r *Registry) persistLog(ctx context.Context, log TradeLog) {
	w := r.writer(log.SessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped {
		return
	}
	if err := r.store.AppendLog(ctx, log); err != nil {
		r.log.Error("trade log persist failed", "session_id", log.SessionID, "log_id", log.ID, "err", err)
	}
}

func (r *Registry) Create(ctx context.Context, sessionID string, cfg SessionConfig) (MarketSnapshot, error) {
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return MarketSnapshot{}, ErrSessionExists
	}
	s := newSession(sessionID, cfg, r.now())
	r.sessions[sessionID] = s
	// A fresh writer: the id may have belonged to a destroyed session
	// whose writer is permanently dropped.
	r.resetWriter(sessionID, 0)
	r.mu.Unlock()

	s.mu.Lock()
	snap := s.marketSnapshot()
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)
	r.log.Info("session created", "session_id", sessionID, "companies", len(persist.Config.Companies))
	return snap, nil
}

func (r *Registry) Destroy(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.events.DropSession(sessionID)
	w := r.writer(sessionID)
	w.mu.Lock()
	w.dropped = true
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		r.log.Error("session delete failed", "session_id", sessionID, "err", err)
	}
	w.mu.Unlock()
	r.log.Info("session destroyed", "session_id", sessionID)
	return nil
}

func (r *Registry) session(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// RegisterUser admits a user into a session and relays the registration
// to the external queue service. The relay call runs after the session
// lock is released and its failure degrades to a local-only admission
// marked "direct".
func (r *Registry) RegisterUser(ctx context.Context, sessionID string, draft UserDraft) (RegisterResult, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return RegisterResult{}, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return RegisterResult{}, ErrSessionClosed
	}
	u, exists := s.users[draft.UserID]
	if !exists {
		u = &User{
			ID:           draft.UserID,
			SessionID:    sessionID,
			Money:        s.cfg.StartMoney,
			Inventory:    make(map[string]int),
			AvgPrice:     make(map[string]int64),
			Introduction: draft.Introduction,
			Index:        s.nextIndex,
		}
		s.nextIndex++
		s.users[draft.UserID] = u
	} else if draft.Introduction != "" {
		u.Introduction = draft.Introduction
	}
	view := s.userView(u)
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)

	messageID := "direct"
	if r.relay != nil {
		id, relayErr := r.relay.Register(ctx, sessionID, draft)
		if relayErr != nil {
			r.log.Warn("registration relay failed, admitted locally",
				"session_id", sessionID, "user_id", draft.UserID, "err", relayErr)
		} else if id != "" {
			messageID = id
		}
	}
	return RegisterResult{MessageID: messageID, User: view}, nil
}

func (r *Registry) RemoveUser(ctx context.Context, sessionID, userID string) error {
	s, err := r.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.users[userID]; !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	delete(s.users, userID)
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)
	return nil
}

func (r *Registry) RemoveAllUsers(ctx context.Context, sessionID string) error {
	s, err := r.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users = make(map[string]*User)
	s.nextIndex = 0
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)
	return nil
}

// AlignIndex compacts the sort indexes left gappy by removals: users keep
// their relative order and end up numbered 0..n-1.
func (r *Registry) AlignIndex(ctx context.Context, sessionID string) error {
	s, err := r.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Index < users[j].Index })
	for i, u := range users {
		u.Index = i
	}
	s.nextIndex = len(users)
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)
	return nil
}

func (r *Registry) SetIntroduction(ctx context.Context, sessionID, userID, introduction string) (UserView, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return UserView{}, err
	}
	s.mu.Lock()
	u, err := s.user(userID)
	if err != nil {
		s.mu.Unlock()
		return UserView{}, err
	}
	u.Introduction = introduction
	view := s.userView(u)
	persist := s.snapshot()
	s.mu.Unlock()

	r.persist(ctx, persist)
	return view, nil
}

func (r *Registry) GetUser(sessionID, userID string) (UserView, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return UserView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.user(userID)
	if err != nil {
		return UserView{}, err
	}
	return s.userView(u), nil
}

func (r *Registry) UserList(sessionID string) ([]UserView, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserView, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, s.userView(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r *Registry) UserCount(sessionID string) (int, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (r *Registry) Market(sessionID string) (MarketSnapshot, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return MarketSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marketSnapshot(), nil
}

// LogFilter narrows TradeLogs. Zero values match everything; Round is a
// pointer so round 0 stays filterable.
type LogFilter struct {
	UserID  string
	Company string
	Round   *int
}

func (r *Registry) TradeLogs(sessionID string, f LogFilter) ([]TradeLog, error) {
	s, err := r.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeLog, 0, len(s.logs))
	for _, l := range s.logs {
		if f.UserID != "" && l.UserID != f.UserID {
			continue
		}
		if f.Company != "" && l.Company != f.Company {
			continue
		}
		if f.Round != nil && l.Round != *f.Round {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DueSessions lists open sessions whose fluctuation interval has elapsed.
func (r *Registry) DueSessions(now time.Time) []string {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var due []string
	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateOpen && !s.nextAdvanceAt.After(now) {
			due = append(due, s.id)
		}
		s.mu.Unlock()
	}
	sort.Strings(due)
	return due
}

// ExpiredSessions lists sessions past their TTL.
func (r *Registry) ExpiredSessions(now time.Time) []string {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var expired []string
	for _, s := range sessions {
		s.mu.Lock()
		if !s.expiresAt.After(now) {
			expired = append(expired, s.id)
		}
		s.mu.Unlock()
	}
	sort.Strings(expired)
	return expired
}

// Restore reloads every persisted session after a process restart.
func (r *Registry) Restore(ctx context.Context) error {
	snaps, err := r.store.LoadSessions(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	for _, snap := range snaps {
		logs, err := r.store.LoadLogs(ctx, snap.ID)
		if err != nil {
			r.log.Error("log restore failed", "session_id", snap.ID, "err", err)
			logs = nil
		}
		s := sessionFromSnapshot(snap, logs, now)
		r.mu.Lock()
		r.sessions[snap.ID] = s
		r.resetWriter(snap.ID, snap.Seq)
		r.mu.Unlock()
		r.log.Info("session restored", "session_id", snap.ID, "round", snap.Round, "users", len(snap.Users))
	}
	return nil
}
