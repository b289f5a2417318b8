package market

import "context"

// Store persists session snapshots and the append-only trade log so a
// restarted process can pick a session back up mid-game. Implementations
// must tolerate being called from many sessions concurrently.
type Store interface {
	SaveSnapshot(ctx context.Context, snap SessionSnapshot) error
	DeleteSession(ctx context.Context, sessionID string) error
	AppendLog(ctx context.Context, log TradeLog) error
	LoadSessions(ctx context.Context) ([]SessionSnapshot, error)
	LoadLogs(ctx context.Context, sessionID string) ([]TradeLog, error)
}

// NoopStore keeps everything in memory only. Used for tests and for
// running without a database.
type NoopStore struct{}

func (NoopStore) SaveSnapshot(context.Context, SessionSnapshot) error { return nil }
func (NoopStore) DeleteSession(context.Context, string) error         { return nil }
func (NoopStore) AppendLog(context.Context, TradeLog) error           { return nil }
func (NoopStore) LoadSessions(context.Context) ([]SessionSnapshot, error) {
	return nil, nil
}
func (NoopStore) LoadLogs(context.Context, string) ([]TradeLog, error) {
	return nil, nil
}
