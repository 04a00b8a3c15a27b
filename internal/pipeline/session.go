// Package pipeline executes conversation turns: it resolves the next
// speaker, obtains text and audio (preferring the predictive caches),
// persists each turn, drives playback, and pre-computes the following
// speaker's line while the current audio plays.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/CareCircle/internal/cache"
	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/retry"
	"github.com/BTreeMap/CareCircle/internal/speaker"
	"github.com/BTreeMap/CareCircle/internal/streampool"
)

// State is the turn state machine position of a session.
type State string

const (
	StateIdle         State = "idle"
	StateResolving    State = "resolving"
	StateSpeaking     State = "speaking"
	StateAdvancing    State = "advancing"
	StateAwaitingUser State = "awaiting_user"
	StateAborted      State = "aborted"
	StateEnded        State = "ended"
)

// SessionConfig holds per-session tunables.
type SessionConfig struct {
	MaxActiveStreams int
	ReadyTimeout     time.Duration
	AudioCacheBytes  int
	AudioCacheCount  int
	RandFloat        func() float64
}

// SessionOption configures a new session.
type SessionOption func(*SessionConfig)

// WithMaxActiveStreams bounds the number of live avatar streams.
func WithMaxActiveStreams(n int) SessionOption {
	return func(c *SessionConfig) { c.MaxActiveStreams = n }
}

// WithReadyTimeout bounds how long session start waits for avatar streams.
func WithReadyTimeout(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.ReadyTimeout = d }
}

// WithAudioCacheBounds sets the audio cache byte and entry limits.
func WithAudioCacheBounds(maxBytes, maxEntries int) SessionOption {
	return func(c *SessionConfig) {
		c.AudioCacheBytes = maxBytes
		c.AudioCacheCount = maxEntries
	}
}

// WithRandFloat injects the scheduler's random source, for tests.
func WithRandFloat(fn func() float64) SessionOption {
	return func(c *SessionConfig) { c.RandFloat = fn }
}

// Session owns one conversation's turn log, frequency state, caches, and
// avatar stream pool. Nothing in it is shared across sessions.
type Session struct {
	ID string

	sched      *speaker.Scheduler
	textCache  *cache.TextCache
	audioCache *cache.AudioLRUCache
	pool       *streampool.Pool

	mu             sync.Mutex
	roster         []models.SpeakerSlot
	turns          []models.Turn
	freq           models.FrequencyState
	phase          models.Phase
	current        int
	next           int
	state          State
	cacheEpoch     int
	lastActive     time.Time
	cancelPlayback context.CancelFunc

	precompute sync.WaitGroup
}

// NewSession builds a session over a fixed roster. The stream pool is
// created but not warmed; call StartStreams (or Manager.CreateSession) to
// bring avatar streams up.
func NewSession(id string, roster []models.SpeakerSlot, factory streampool.SessionFactory, opts ...SessionOption) (*Session, error) {
	var cfg SessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var schedOpts []speaker.Option
	if cfg.RandFloat != nil {
		schedOpts = append(schedOpts, speaker.WithRandFloat(cfg.RandFloat))
	}
	sched, err := speaker.NewScheduler(roster, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("build scheduler for session %s: %w", id, err)
	}

	assets := make(map[int]string)
	for _, slot := range roster {
		if slot.IsAgent() && slot.AvatarAssetID != "" {
			assets[slot.Index] = slot.AvatarAssetID
		}
	}

	return &Session{
		ID:         id,
		sched:      sched,
		textCache:  cache.NewTextCache(),
		audioCache: cache.NewAudioLRUCache(cfg.AudioCacheBytes, cfg.AudioCacheCount),
		pool:       streampool.NewPool(factory, retry.Executor{}, cfg.MaxActiveStreams, cfg.ReadyTimeout, assets),
		roster:     append([]models.SpeakerSlot(nil), roster...),
		freq:       models.NewFrequencyState(),
		phase:      models.PhaseForTurnCount(0),
		current:    models.ModeratorSlotIndex,
		next:       models.ModeratorSlotIndex,
		state:      StateIdle,
		lastActive: time.Now(),
	}, nil
}

// StartStreams warms the avatar stream pool, waiting up to the configured
// ready timeout. Streams that fail to come up degrade to audio-only.
func (s *Session) StartStreams(ctx context.Context) {
	s.pool.WaitReady(ctx)
}

// State returns the session's current pipeline state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AwaitingUser reports whether the pipeline is stopped waiting for human input.
func (s *Session) AwaitingUser() bool {
	return s.State() == StateAwaitingUser
}

// Phase returns the conversation phase for the current turn count.
func (s *Session) Phase() models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CurrentSpeaker returns the slot index due to speak next.
func (s *Session) CurrentSpeaker() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Roster returns a copy of the session's speaker slots.
func (s *Session) Roster() []models.SpeakerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SpeakerSlot(nil), s.roster...)
}

// Turns returns a copy of the in-memory turn log.
func (s *Session) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns...)
}

// LastActive returns the time of the session's most recent turn activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Skip cancels any in-flight playback so the pipeline advances immediately
// to the already-determined next slot. In-flight pre-computation results are
// not cancelled; the index-match check discards them if stale.
func (s *Session) Skip() {
	s.mu.Lock()
	cancel := s.cancelPlayback
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// End tears down the session: playback is cancelled, caches are released,
// and every avatar stream is destroyed.
func (s *Session) End(ctx context.Context) {
	s.Skip()
	s.precompute.Wait()
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	s.textCache.Clear()
	s.audioCache.Clear()
	s.pool.DestroyAll(ctx)
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelPlayback = cancel
	s.mu.Unlock()
}

func (s *Session) clearCancel() {
	s.mu.Lock()
	s.cancelPlayback = nil
	s.mu.Unlock()
}
