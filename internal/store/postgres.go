package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"stockparty/internal/market"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists session snapshots as jsonb rows plus an append-only
// trade log table. It implements market.Store.
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

// Init ensures the schema. Snapshots are whole-session documents keyed by
// session id; trade logs are immutable rows.
func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id text PRIMARY KEY,
			snapshot   jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS trade_logs (
			id         text PRIMARY KEY,
			session_id text NOT NULL,
			user_id    text NOT NULL,
			company    text NOT NULL,
			round      int NOT NULL,
			entry      jsonb NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS trade_logs_session_idx ON trade_logs (session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap market.SessionSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO sessions (session_id, snapshot, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (session_id) DO UPDATE SET snapshot = $2::jsonb, updated_at = now()
	`, snap.ID, string(body))
	return err
}

func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM trade_logs WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	_, err := p.db.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (p *Postgres) AppendLog(ctx context.Context, log market.TradeLog) error {
	body, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO trade_logs (id, session_id, user_id, company, round, entry, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO NOTHING
	`, log.ID, log.SessionID, log.UserID, log.Company, log.Round, string(body), log.At)
	return err
}

func (p *Postgres) LoadSessions(ctx context.Context) ([]market.SessionSnapshot, error) {
	rows, err := p.db.Query(ctx, `SELECT snapshot FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.SessionSnapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var snap market.SessionSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			p.log.Error("corrupt session snapshot skipped", "err", err)
			continue
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadLogs(ctx context.Context, sessionID string) ([]market.TradeLog, error) {
	rows, err := p.db.Query(ctx, `
		SELECT entry FROM trade_logs
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.TradeLog
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var log market.TradeLog
		if err := json.Unmarshal(body, &log); err != nil {
			p.log.Error("corrupt trade log skipped", "session_id", sessionID, "err", err)
			continue
		}
		out = append(out, log)
	}
	return out, rows.Err()
}
