// Package store provides turn-log persistence backends for CareCircle.
//
// It includes an in-memory store for tests and single-process use, plus
// SQLite and PostgreSQL backed stores.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/util"
)

// NoSpeakerHint is returned when the backend has no routing opinion for the
// turn that follows a saved one.
const NoSpeakerHint = -1

// Store persists the per-session turn log. SaveTurn enforces sequence
// ordering: a turn's sequence number must equal the number of turns already
// saved for its session, otherwise models.ErrSequenceOutOfOrder is returned.
type Store interface {
	SaveTurn(turn models.Turn) (turnID string, nextSpeakerHint int, err error)
	ListTurns(sessionID string) ([]models.Turn, error)
	DeleteTurns(sessionID string) error
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports which driver a DSN belongs to: "postgres" for
// connection URLs and key=value strings, "sqlite3" for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps turn logs in process memory.
type InMemoryStore struct {
	mu    sync.Mutex
	turns map[string][]models.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]models.Turn)}
}

func (s *InMemoryStore) SaveTurn(turn models.Turn) (string, int, error) {
	if err := turn.Validate(); err != nil {
		return "", NoSpeakerHint, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.turns[turn.SessionID]
	if turn.SequenceNumber != len(log) {
		slog.Error("InMemoryStore.SaveTurn: sequence out of order", "session_id", turn.SessionID, "got", turn.SequenceNumber, "want", len(log))
		return "", NoSpeakerHint, fmt.Errorf("save turn %d for %s: %w", turn.SequenceNumber, turn.SessionID, models.ErrSequenceOutOfOrder)
	}
	s.turns[turn.SessionID] = append(log, turn)
	turnID := util.GenerateTurnID()
	slog.Debug("InMemoryStore.SaveTurn: turn saved", "session_id", turn.SessionID, "turn_id", turnID, "sequence", turn.SequenceNumber)
	return turnID, NoSpeakerHint, nil
}

func (s *InMemoryStore) ListTurns(sessionID string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.turns[sessionID]
	out := make([]models.Turn, len(log))
	copy(out, log)
	return out, nil
}

func (s *InMemoryStore) DeleteTurns(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
