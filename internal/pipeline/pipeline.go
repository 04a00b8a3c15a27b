package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareCircle/internal/avatar"
	"github.com/BTreeMap/CareCircle/internal/cache"
	"github.com/BTreeMap/CareCircle/internal/genai"
	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/retry"
	"github.com/BTreeMap/CareCircle/internal/store"
	"github.com/BTreeMap/CareCircle/internal/tts"
)

// maxConsecutiveAITurns bounds RunUntilUserTurn. The fairness rules hand the
// floor to the user well within this many turns.
const maxConsecutiveAITurns = 10

// Pipeline errors.
var (
	ErrSessionAborted   = errors.New("session aborted")
	ErrSessionEnded     = errors.New("session ended")
	ErrAwaitingUser     = errors.New("awaiting user input")
	ErrTurnInProgress   = errors.New("turn already in progress")
	ErrTurnSkipped      = errors.New("turn skipped")
	ErrGenerationFailed = errors.New("text generation failed")
	ErrSynthesisFailed  = errors.New("audio synthesis failed")
)

// Player receives synthesized audio for a turn and blocks until playback
// completes or its context is cancelled.
type Player interface {
	Play(ctx context.Context, sessionID string, slot models.SpeakerSlot, audio []byte) error
}

// NopPlayer completes playback immediately. Used when no audio device is
// attached, such as headless runs and tests.
type NopPlayer struct{}

func (NopPlayer) Play(ctx context.Context, sessionID string, slot models.SpeakerSlot, audio []byte) error {
	return ctx.Err()
}

// SpeakingNotifier forwards speaking lifecycle events to the avatar vendor
// so streams animate while their speaker's audio plays.
type SpeakingNotifier interface {
	NotifySpeaking(ctx context.Context, sessionToken, event string) error
}

// Opts holds pipeline configuration.
type Opts struct {
	Player      Player
	Notifier    SpeakingNotifier
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       func(time.Duration)
}

// Option configures the pipeline.
type Option func(*Opts)

// WithPlayer sets the audio playback sink.
func WithPlayer(p Player) Option {
	return func(o *Opts) { o.Player = p }
}

// WithSpeakingNotifier sets the avatar speaking-event sink.
func WithSpeakingNotifier(n SpeakingNotifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithRetryPolicy overrides the retry attempt count and base delay for
// external calls.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(o *Opts) {
		o.MaxAttempts = maxAttempts
		o.BaseDelay = baseDelay
	}
}

// WithSleep injects the retry sleep function, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// Pipeline executes turns for sessions. It is stateless across sessions;
// all per-conversation state lives in the Session.
type Pipeline struct {
	generator genai.ClientInterface
	synth     tts.Synthesizer
	store     store.Store
	player    Player
	notifier  SpeakingNotifier
	exec      retry.Executor
	attempts  int
	baseDelay time.Duration
}

// NewPipeline wires the pipeline's external collaborators.
func NewPipeline(generator genai.ClientInterface, synth tts.Synthesizer, st store.Store, opts ...Option) *Pipeline {
	cfg := Opts{
		Player:      NopPlayer{},
		MaxAttempts: retry.DefaultMaxAttempts,
		BaseDelay:   retry.DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		generator: generator,
		synth:     synth,
		store:     st,
		player:    cfg.Player,
		notifier:  cfg.Notifier,
		exec:      retry.Executor{Sleep: cfg.Sleep},
		attempts:  cfg.MaxAttempts,
		baseDelay: cfg.BaseDelay,
	}
}

// ExecuteTurn runs one full turn for the session's current speaker:
// resolve text and audio, play the turn back, then persist and append it and
// advance to the scheduler's next slot. Pre-computation of the following
// AI speaker's text is launched in the background at the start of playback.
// A skipped turn is discarded: the session still advances to the
// already-resolved next slot, but nothing is persisted or counted, and
// ErrTurnSkipped is returned.
func (p *Pipeline) ExecuteTurn(ctx context.Context, s *Session) (models.Turn, error) {
	s.mu.Lock()
	switch s.state {
	case StateAborted:
		s.mu.Unlock()
		return models.Turn{}, ErrSessionAborted
	case StateEnded:
		s.mu.Unlock()
		return models.Turn{}, ErrSessionEnded
	case StateAwaitingUser:
		s.mu.Unlock()
		return models.Turn{}, ErrAwaitingUser
	case StateResolving, StateSpeaking, StateAdvancing:
		// The turn log has a single writer. A second caller while a turn is
		// in flight gets a conflict rather than a duplicate sequence number.
		s.mu.Unlock()
		return models.Turn{}, ErrTurnInProgress
	}
	s.state = StateResolving
	current := s.current
	slot := s.roster[current]
	phase := s.phase
	history := append([]models.Turn(nil), s.turns...)
	s.mu.Unlock()

	slog.Debug("Pipeline.ExecuteTurn: resolving turn", "session_id", s.ID, "speaker_index", current, "phase", phase)

	text, err := p.resolveText(ctx, s, slot, history, phase)
	if err != nil {
		p.resetIdle(s)
		return models.Turn{}, err
	}

	audio, err := p.resolveAudio(ctx, s, slot, text)
	if err != nil {
		p.resetIdle(s)
		return models.Turn{}, err
	}

	// Speaking. The next slot is resolved against frequency state and history
	// that include the turn being spoken, so the fairness counters line up
	// with the rolling-window guarantees.
	s.mu.Lock()
	s.state = StateSpeaking
	turn := models.Turn{
		SessionID:      s.ID,
		SequenceNumber: len(s.turns),
		SpeakerIndex:   slot.Index,
		SpeakerKind:    slot.Kind,
		Content:        text,
		Timestamp:      time.Now().UTC(),
	}
	freq := s.freq.Observe(slot.Kind)
	phaseAfter := models.PhaseForTurnCount(len(s.turns) + 1)
	withCurrent := append(append([]models.Turn(nil), s.turns...), turn)
	epoch := s.cacheEpoch
	s.mu.Unlock()

	next, err := s.sched.NextSpeaker(current, text, freq, phaseAfter, lastN(withCurrent, 5))
	if err != nil {
		// A bad slot resolution is a construction bug; the session cannot
		// continue safely.
		p.abort(s)
		return models.Turn{}, err
	}
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()

	if slot.IsAgent() {
		if err := s.pool.Touch(ctx, slot.Index); err != nil {
			slog.Warn("Pipeline.ExecuteTurn: avatar stream touch failed, continuing audio-only", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
		}
	}

	// Pre-computation fires at entry to Speaking and never blocks it. The
	// user's turns are typed or spoken, not generated.
	if next != models.UserSlotIndex {
		s.precompute.Add(1)
		go p.precomputeNext(context.WithoutCancel(ctx), s, next, epoch, withCurrent, phaseAfter)
	}

	skipped := p.playback(ctx, s, slot, audio)
	if skipped {
		s.mu.Lock()
		s.state = StateAdvancing
		s.current = next
		if next == models.UserSlotIndex {
			s.state = StateAwaitingUser
		} else {
			s.state = StateIdle
		}
		s.lastActive = time.Now()
		s.mu.Unlock()
		slog.Info("Pipeline.ExecuteTurn: turn skipped and discarded", "session_id", s.ID, "speaker_index", slot.Index, "next_speaker", next)
		return models.Turn{}, ErrTurnSkipped
	}

	// Advancing: the spoken turn is committed only once playback finished.
	turnID, _, err := p.store.SaveTurn(turn)
	if err != nil {
		if errors.Is(err, models.ErrSequenceOutOfOrder) {
			slog.Error("Pipeline.ExecuteTurn: turn log integrity violation, aborting session", "session_id", s.ID, "sequence", turn.SequenceNumber, "error", err)
			p.abort(s)
			return models.Turn{}, err
		}
		p.resetIdle(s)
		return models.Turn{}, fmt.Errorf("persist turn %d: %w", turn.SequenceNumber, err)
	}

	s.mu.Lock()
	s.state = StateAdvancing
	s.turns = append(s.turns, turn)
	s.freq = freq
	prevPhase := s.phase
	s.phase = phaseAfter
	s.current = next
	if next == models.UserSlotIndex {
		s.state = StateAwaitingUser
	} else {
		s.state = StateIdle
	}
	s.lastActive = time.Now()
	s.mu.Unlock()

	if phaseAfter != prevPhase {
		slog.Info("Pipeline.ExecuteTurn: conversation phase transition", "session_id", s.ID, "from", prevPhase, "to", phaseAfter, "turn_count", turn.SequenceNumber+1)
	}
	slog.Debug("Pipeline.ExecuteTurn: turn complete", "session_id", s.ID, "turn_id", turnID, "sequence", turn.SequenceNumber, "next_speaker", next)
	return turn, nil
}

// SubmitUserTurn records the human participant's contribution. Both
// predictive caches are cleared unconditionally first: anything pre-computed
// predates this content and would ignore it. The next speaker is fixed to
// the first agent slot, bypassing the cascade.
func (p *Pipeline) SubmitUserTurn(ctx context.Context, s *Session, content string) (models.Turn, error) {
	s.mu.Lock()
	switch s.state {
	case StateAborted:
		s.mu.Unlock()
		return models.Turn{}, ErrSessionAborted
	case StateEnded:
		s.mu.Unlock()
		return models.Turn{}, ErrSessionEnded
	}
	s.cacheEpoch++
	userSlot := s.roster[models.UserSlotIndex]
	turn := models.Turn{
		SessionID:      s.ID,
		SequenceNumber: len(s.turns),
		SpeakerIndex:   userSlot.Index,
		SpeakerKind:    userSlot.Kind,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
	s.mu.Unlock()

	s.textCache.Clear()
	s.audioCache.Clear()

	if err := turn.Validate(); err != nil {
		return models.Turn{}, err
	}

	turnID, _, err := p.store.SaveTurn(turn)
	if err != nil {
		if errors.Is(err, models.ErrSequenceOutOfOrder) {
			slog.Error("Pipeline.SubmitUserTurn: turn log integrity violation, aborting session", "session_id", s.ID, "sequence", turn.SequenceNumber, "error", err)
			p.abort(s)
			return models.Turn{}, err
		}
		return models.Turn{}, fmt.Errorf("persist user turn %d: %w", turn.SequenceNumber, err)
	}

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.freq = s.freq.Observe(userSlot.Kind)
	prevPhase := s.phase
	s.phase = models.PhaseForTurnCount(len(s.turns))
	newPhase := s.phase
	s.current = models.FirstAgentSlotIndex
	s.next = models.FirstAgentSlotIndex
	s.state = StateIdle
	s.lastActive = time.Now()
	s.mu.Unlock()

	if newPhase != prevPhase {
		slog.Info("Pipeline.SubmitUserTurn: conversation phase transition", "session_id", s.ID, "from", prevPhase, "to", newPhase)
	}
	slog.Debug("Pipeline.SubmitUserTurn: user turn recorded", "session_id", s.ID, "turn_id", turnID, "sequence", turn.SequenceNumber)
	return turn, nil
}

// RunUntilUserTurn executes AI turns until the pipeline hands the floor to
// the human participant.
func (p *Pipeline) RunUntilUserTurn(ctx context.Context, s *Session) ([]models.Turn, error) {
	var executed []models.Turn
	for i := 0; i < maxConsecutiveAITurns; i++ {
		if s.AwaitingUser() {
			return executed, nil
		}
		turn, err := p.ExecuteTurn(ctx, s)
		if errors.Is(err, ErrTurnSkipped) {
			continue
		}
		if err != nil {
			return executed, err
		}
		executed = append(executed, turn)
	}
	if s.AwaitingUser() {
		return executed, nil
	}
	return executed, fmt.Errorf("session %s did not reach the user within %d turns", s.ID, maxConsecutiveAITurns)
}

// resolveText prefers the pre-generated entry for the speaker; on miss it
// calls the text-generation collaborator through the retry executor.
func (p *Pipeline) resolveText(ctx context.Context, s *Session, slot models.SpeakerSlot, history []models.Turn, phase models.Phase) (string, error) {
	if pg, ok := s.textCache.Take(slot.Index); ok && pg.SpeakerIndex == slot.Index {
		slog.Debug("Pipeline.resolveText: using pre-generated turn", "session_id", s.ID, "speaker_index", slot.Index, "produced_at", pg.ProducedAt)
		return pg.Text, nil
	}

	result, err := retry.DoValue(ctx, p.exec, func(ctx context.Context) (genai.GenerateResult, error) {
		return p.generator.GenerateTurn(ctx, genai.GenerateRequest{
			SessionID: s.ID,
			Slot:      slot,
			Roster:    s.Roster(),
			History:   history,
			Phase:     phase,
		})
	}, p.attempts, p.baseDelay)
	if err != nil {
		slog.Error("Pipeline.resolveText: generation failed after retries", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
		return "", fmt.Errorf("%w for speaker %d: %v", ErrGenerationFailed, slot.Index, err)
	}
	return result.Text, nil
}

// resolveAudio consults the audio LRU cache and synthesizes on miss.
// Speakers without a voice produce no audio.
func (p *Pipeline) resolveAudio(ctx context.Context, s *Session, slot models.SpeakerSlot, text string) ([]byte, error) {
	if slot.VoiceID == "" {
		return nil, nil
	}
	key := cache.AudioKey(text, slot.VoiceID)
	if blob, ok := s.audioCache.Get(key); ok {
		slog.Debug("Pipeline.resolveAudio: audio cache hit", "session_id", s.ID, "speaker_index", slot.Index)
		return blob, nil
	}

	blob, err := retry.DoValue(ctx, p.exec, func(ctx context.Context) ([]byte, error) {
		b, synthErr := p.synth.Synthesize(ctx, text, slot.VoiceID)
		if synthErr != nil && !tts.IsRetryable(synthErr) {
			// Oversized or malformed text fails identically every attempt.
			return nil, retry.Permanent(synthErr)
		}
		return b, synthErr
	}, p.attempts, p.baseDelay)
	if err != nil {
		slog.Error("Pipeline.resolveAudio: synthesis failed after retries", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
		return nil, fmt.Errorf("%w for speaker %d: %v", ErrSynthesisFailed, slot.Index, err)
	}
	s.audioCache.Set(key, blob, len(blob), nil)
	return blob, nil
}

// precomputeNext speculatively generates the next speaker's text while the
// current audio plays. Failures are swallowed; results are dropped if the
// user spoke in the meantime.
func (p *Pipeline) precomputeNext(ctx context.Context, s *Session, speakerIndex int, epoch int, history []models.Turn, phase models.Phase) {
	defer s.precompute.Done()

	slot, err := s.sched.Slot(speakerIndex)
	if err != nil {
		return
	}

	result, err := retry.DoValue(ctx, p.exec, func(ctx context.Context) (genai.GenerateResult, error) {
		return p.generator.GenerateTurn(ctx, genai.GenerateRequest{
			SessionID: s.ID,
			Slot:      slot,
			Roster:    s.Roster(),
			History:   history,
			Phase:     phase,
		})
	}, p.attempts, p.baseDelay)
	if err != nil {
		slog.Debug("Pipeline.precomputeNext: pre-computation failed, will generate on demand", "session_id", s.ID, "speaker_index", speakerIndex, "error", err)
		return
	}

	// The staleness check and the insert share one lock hold so a user turn
	// arriving in between cannot see its cache clear undone.
	s.mu.Lock()
	stale := s.cacheEpoch != epoch || s.state == StateAborted || s.state == StateEnded
	if !stale {
		s.textCache.Replace(speakerIndex, result.Text)
	}
	s.mu.Unlock()
	if stale {
		slog.Debug("Pipeline.precomputeNext: discarding stale pre-computation", "session_id", s.ID, "speaker_index", speakerIndex)
	}
}

// playback hands audio to the player and forwards speaking events to the
// speaker's avatar stream. It reports whether playback was skipped.
func (p *Pipeline) playback(ctx context.Context, s *Session, slot models.SpeakerSlot, audio []byte) bool {
	playCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		cancel()
		s.clearCancel()
	}()

	var token string
	if handle, ok := s.pool.Handle(slot.Index); ok {
		token = handle.SessionToken
	}
	if token != "" && p.notifier != nil {
		if err := p.notifier.NotifySpeaking(ctx, token, avatar.EventStartedSpeaking); err != nil {
			slog.Warn("Pipeline.playback: started_speaking event failed", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
		}
		defer func() {
			if err := p.notifier.NotifySpeaking(ctx, token, avatar.EventStoppedSpeaking); err != nil {
				slog.Warn("Pipeline.playback: stopped_speaking event failed", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
			}
		}()
	}

	if err := p.player.Play(playCtx, s.ID, slot, audio); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Debug("Pipeline.playback: playback cancelled", "session_id", s.ID, "speaker_index", slot.Index)
			return true
		}
		slog.Warn("Pipeline.playback: playback failed, advancing anyway", "session_id", s.ID, "speaker_index", slot.Index, "error", err)
	}
	return false
}

func (p *Pipeline) resetIdle(s *Session) {
	s.mu.Lock()
	if s.state != StateAborted && s.state != StateEnded {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (p *Pipeline) abort(s *Session) {
	s.mu.Lock()
	s.state = StateAborted
	s.mu.Unlock()
}

func lastN(turns []models.Turn, n int) []models.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
