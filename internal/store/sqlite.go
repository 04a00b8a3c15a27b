// Package store provides turn-log persistence backends for CareCircle.
//
// This file implements an SQLite-backed turn log.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTurn(turn models.Turn) (string, int, error) {
	if err := turn.Validate(); err != nil {
		return "", NoSpeakerHint, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore SaveTurn begin failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, turn.SessionID).Scan(&count); err != nil {
		slog.Error("SQLiteStore SaveTurn count failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to count turns: %w", err)
	}
	if turn.SequenceNumber != count {
		slog.Error("SQLiteStore SaveTurn sequence out of order", "session_id", turn.SessionID, "got", turn.SequenceNumber, "want", count)
		return "", NoSpeakerHint, fmt.Errorf("save turn %d for %s: %w", turn.SequenceNumber, turn.SessionID, models.ErrSequenceOutOfOrder)
	}

	turnID := util.GenerateTurnID()
	_, err = tx.Exec(`INSERT INTO turns (id, session_id, sequence_number, speaker_index, speaker_kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turnID, turn.SessionID, turn.SequenceNumber, turn.SpeakerIndex, string(turn.SpeakerKind), turn.Content, turn.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore SaveTurn insert failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore SaveTurn commit failed", "error", err, "session_id", turn.SessionID)
		return "", NoSpeakerHint, fmt.Errorf("failed to commit turn: %w", err)
	}
	slog.Debug("SQLiteStore SaveTurn succeeded", "session_id", turn.SessionID, "turn_id", turnID, "sequence", turn.SequenceNumber)
	return turnID, NoSpeakerHint, nil
}

func (s *SQLiteStore) ListTurns(sessionID string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT session_id, sequence_number, speaker_index, speaker_kind, content, created_at FROM turns WHERE session_id = ? ORDER BY sequence_number`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListTurns query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		slog.Error("SQLiteStore ListTurns scan failed", "error", err, "session_id", sessionID)
		return nil, err
	}
	slog.Debug("SQLiteStore ListTurns succeeded", "session_id", sessionID, "count", len(turns))
	return turns, nil
}

func (s *SQLiteStore) DeleteTurns(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore DeleteTurns failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	slog.Debug("SQLiteStore DeleteTurns succeeded", "session_id", sessionID)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
