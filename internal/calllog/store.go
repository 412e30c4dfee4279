// calllog/store.go
package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mikeyg42/callsignal/internal/config"
	"github.com/mikeyg42/callsignal/internal/crypto"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

// Kind classifies a call history entry.
type Kind string

const (
	KindIncoming Kind = "incoming"
	KindOutgoing Kind = "outgoing"
	KindMissed   Kind = "missed"
	// KindFirstMissed is recorded once, the first time a call is missed
	// because call notifications are turned off.
	KindFirstMissed Kind = "missed_first_call"
)

// Recorder is the single write the call controller makes to history.
type Recorder interface {
	InsertCallMessage(ctx context.Context, peer signaling.PeerID, kind Kind, at time.Time) error
}

// Entry is one row of call history.
type Entry struct {
	ID           int64  `db:"id" json:"id"`
	Peer         string `db:"peer" json:"peer"`
	Kind         Kind   `db:"kind" json:"kind"`
	OccurredAtMs int64  `db:"occurred_at_ms" json:"occurred_at_ms"`
}

func (e Entry) OccurredAt() time.Time {
	return time.UnixMilli(e.OccurredAtMs)
}

// Store keeps call history in SQLite or PostgreSQL.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// Open picks the driver named in cfg.
func Open(cfg config.CallLogConfig) (*Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(cfg.Postgres)
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown call log driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database. Use ":memory:"
// for a throwaway store.
func OpenSQLite(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps an in-memory database alive across calls
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return newStore(db, "sqlite")
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(cfg config.PostgresConfig) (*Store, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	password, err := crypto.Resolve(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database password: %w", err)
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newStore(db, "postgres")
}

func newStore(db *sqlx.DB, driver string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: zap.L().Named("calllog"),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS call_history (
			id ` + idColumn + `,
			peer TEXT NOT NULL,
			kind TEXT NOT NULL,
			occurred_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_peer ON call_history(peer, occurred_at_ms)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertCallMessage implements Recorder.
func (s *Store) InsertCallMessage(ctx context.Context, peer signaling.PeerID, kind Kind, at time.Time) error {
	query := s.db.Rebind(`INSERT INTO call_history (peer, kind, occurred_at_ms) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, string(peer), string(kind), at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	s.logger.Debug("call recorded", zap.String("peer", string(peer)), zap.String("kind", string(kind)))
	return nil
}

// List returns the newest entries first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	query := s.db.Rebind(`SELECT id, peer, kind, occurred_at_ms FROM call_history ORDER BY occurred_at_ms DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	return entries, nil
}

// ListForPeer returns a peer's entries, newest first.
func (s *Store) ListForPeer(ctx context.Context, peer signaling.PeerID) ([]Entry, error) {
	var entries []Entry
	query := s.db.Rebind(`SELECT id, peer, kind, occurred_at_ms FROM call_history WHERE peer = ? ORDER BY occurred_at_ms DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &entries, query, string(peer)); err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
