// Package store provides turn-log persistence backends for CareCircle.
//
// This file implements a PostgreSQL-backed turn log.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveTurn(turn models.Turn) (string, int, error) {
	if err := turn.Validate(); err != nil {
		return "", NoSpeakerHint, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore SaveTurn begin failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = $1`, turn.SessionID).Scan(&count); err != nil {
		slog.Error("PostgresStore SaveTurn count failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to count turns: %w", err)
	}
	if turn.SequenceNumber != count {
		slog.Error("PostgresStore SaveTurn sequence out of order", "session_id", turn.SessionID, "got", turn.SequenceNumber, "want", count)
		return "", NoSpeakerHint, fmt.Errorf("save turn %d for %s: %w", turn.SequenceNumber, turn.SessionID, models.ErrSequenceOutOfOrder)
	}

	turnID := util.GenerateTurnID()
	_, err = tx.Exec(`INSERT INTO turns (id, session_id, sequence_number, speaker_index, speaker_kind, content, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turnID, turn.SessionID, turn.SequenceNumber, turn.SpeakerIndex, string(turn.SpeakerKind), turn.Content, turn.Timestamp)
	if err != nil {
		slog.Error("PostgresStore SaveTurn insert failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore SaveTurn commit failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to commit turn: %w", err)
	}
	slog.Debug("PostgresStore SaveTurn succeeded", "session_id", turn.SessionID, "turn_id", turnID, "sequence", turn.SequenceNumber)
	return turnID, NoSpeakerHint, nil
}

func (s *PostgresStore) ListTurns(sessionID string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT session_id, sequence_number, speaker_index, speaker_kind, content, created_at FROM turns WHERE session_id = $1 ORDER BY sequence_number`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListTurns query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		slog.Error("PostgresStore ListTurns scan failed", "error", err, "session_id", sessionID)
		return nil, err
	}
	slog.Debug("PostgresStore ListTurns succeeded", "session_id", sessionID, "count", len(turns))
	return turns, nil
}

func (s *PostgresStore) DeleteTurns(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore DeleteTurns failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	slog.Debug("PostgresStore DeleteTurns succeeded", "session_id", sessionID)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
