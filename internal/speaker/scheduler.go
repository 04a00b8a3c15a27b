// Package speaker decides, turn by turn, who speaks next among the moderator,
// the human participant, and the companion agents.
//
// Selection is an ordered rule cascade; the first matching rule wins. The two
// probabilistic rules draw from an injectable random source so the scheduler
// stays deterministic under test.
package speaker

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/CareCircle/internal/models"
)

// Fairness thresholds for the rule cascade.
const (
	// ModeratorStarvationLimit forces the moderator in after this many turns
	// without them speaking.
	ModeratorStarvationLimit = 5
	// UserStarvationLimit forces the human participant in after this many
	// turns without them speaking.
	UserStarvationLimit = 5
	// UserDominanceLimit routes away from the user once they hold this many
	// of the last five turns.
	UserDominanceLimit = 3
)

var moderatorKeywords = []string{"guide", "moderator"}

var collaborativePatterns = []string{"can we", "should we", "what if we"}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRandFloat injects the random source used by the probabilistic rules.
// The function must return values in [0, 1).
func WithRandFloat(fn func() float64) Option {
	return func(s *Scheduler) {
		s.randFloat = fn
	}
}

// Scheduler picks the next speaker slot for a fixed session roster.
type Scheduler struct {
	slots     []models.SpeakerSlot
	randFloat func() float64
}

// NewScheduler creates a scheduler over the session's fixed slot roster.
func NewScheduler(slots []models.SpeakerSlot, opts ...Option) (*Scheduler, error) {
	if err := models.ValidateRoster(slots); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}
	s := &Scheduler{
		slots:     append([]models.SpeakerSlot(nil), slots...),
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Slots returns the fixed roster the scheduler was built with.
func (s *Scheduler) Slots() []models.SpeakerSlot {
	return append([]models.SpeakerSlot(nil), s.slots...)
}

// Slot returns the slot at index.
func (s *Scheduler) Slot(index int) (models.SpeakerSlot, error) {
	if index < 0 || index >= len(s.slots) {
		return models.SpeakerSlot{}, models.ErrSpeakerNotFound
	}
	return s.slots[index], nil
}

// lastAgentIndex is the highest agent slot index.
func (s *Scheduler) lastAgentIndex() int {
	return len(s.slots) - 1
}

// NextSpeaker resolves the slot that speaks after current, given the current
// speaker's content and the session's frequency state and phase. The rules
// are evaluated in order; the first match wins. A post-processing guard
// guarantees the result never equals current.
func (s *Scheduler) NextSpeaker(current int, content string, freq models.FrequencyState, phase models.Phase, recentTurns []models.Turn) (int, error) {
	if current < 0 || current >= len(s.slots) {
		return 0, fmt.Errorf("current slot %d: %w", current, models.ErrSpeakerNotFound)
	}

	next, rule := s.applyCascade(current, content, freq, phase, recentTurns)
	if next < 0 || next >= len(s.slots) {
		return 0, fmt.Errorf("rule %s resolved slot %d: %w", rule, next, models.ErrSpeakerNotFound)
	}

	// No speaker may speak twice consecutively.
	if next == current {
		next = s.advanceFrom(next)
	}
	slog.Debug("Scheduler.NextSpeaker: resolved next speaker", "current", current, "next", next, "rule", rule, "phase", phase)
	return next, nil
}

// applyCascade evaluates the ordered rules. A rule whose target is the
// current speaker cannot take effect (no immediate repeats), so evaluation
// falls through to the next rule; the sequential default plus the caller's
// advance guard make the cascade total.
func (s *Scheduler) applyCascade(current int, content string, freq models.FrequencyState, phase models.Phase, recentTurns []models.Turn) (int, string) {
	lower := strings.ToLower(content)

	// Rule 1: moderator starvation outranks everything, content included.
	if freq.TurnsSinceModeratorSpoke >= ModeratorStarvationLimit && current != models.ModeratorSlotIndex {
		return models.ModeratorSlotIndex, "moderator_starvation"
	}

	// Rule 2: user starvation.
	if freq.TurnsSinceUserSpoke >= UserStarvationLimit && current != models.UserSlotIndex {
		return models.UserSlotIndex, "user_starvation"
	}

	// Rule 3: user dominating the recent window, hand to the next agent.
	if freq.UserTurnsInLastFive() >= UserDominanceLimit {
		return s.nextAgentAfter(current), "user_dominance"
	}

	// Rule 4: moderator-addressing keywords and collaborative questions route
	// to the moderator. This deliberately precedes the name and user-question
	// rules, so "can we ..." wins even when an agent is named in the same
	// sentence.
	if current != models.ModeratorSlotIndex {
		if containsAny(lower, moderatorKeywords) {
			return models.ModeratorSlotIndex, "moderator_keyword"
		}
		if strings.Contains(lower, "?") && containsAny(lower, collaborativePatterns) {
			return models.ModeratorSlotIndex, "collaborative_question"
		}
	}

	// Rule 5: direct address of an agent by full or first name, first match
	// in slot order wins.
	for _, slot := range s.slots[models.FirstAgentSlotIndex:] {
		if slot.Index != current && nameMentioned(lower, slot) {
			return slot.Index, "agent_named"
		}
	}

	// Rule 6: a question directed at the user goes to them half the time;
	// otherwise fall through to the sequential default.
	if current != models.UserSlotIndex && strings.Contains(lower, "?") && s.userDirected(lower) {
		if s.randFloat() < 0.5 {
			return models.UserSlotIndex, "user_question"
		}
	}

	// Rule 7: sequential default with the mid-conversation agent-banter
	// override.
	return s.sequentialDefault(current, phase, recentTurns), "sequential_default"
}

// nextAgentAfter returns the next agent slot strictly after current, wrapping
// to the first agent slot and never landing on the moderator or user.
func (s *Scheduler) nextAgentAfter(current int) int {
	next := current + 1
	if next > s.lastAgentIndex() || next < models.FirstAgentSlotIndex {
		next = models.FirstAgentSlotIndex
	}
	return next
}

func (s *Scheduler) sequentialDefault(current int, phase models.Phase, recentTurns []models.Turn) int {
	next := s.nextAgentAfter(current)

	// During the middle phases, agents keep talking to each other; a coin
	// flip occasionally routes back to the moderator to break long runs.
	if (phase == models.PhaseExploration || phase == models.PhaseDeepening) && s.slots[current].IsAgent() {
		if agentTurnsInLastN(recentTurns, 3) >= 2 && s.randFloat() < 0.5 {
			return models.ModeratorSlotIndex
		}
	}
	return next
}

// advanceFrom walks forward through the slot ordering, wrapping, until it
// leaves the offending slot.
func (s *Scheduler) advanceFrom(offending int) int {
	next := offending
	for {
		next = (next + 1) % len(s.slots)
		if next != offending {
			return next
		}
	}
}

func (s *Scheduler) userDirected(lower string) bool {
	if strings.Contains(lower, "you") {
		return true
	}
	user := s.slots[models.UserSlotIndex]
	if name := strings.ToLower(user.DisplayName); name != "" && strings.Contains(lower, name) {
		return true
	}
	if first := strings.ToLower(user.FirstName()); first != "" && strings.Contains(lower, first) {
		return true
	}
	return false
}

func nameMentioned(lower string, slot models.SpeakerSlot) bool {
	full := strings.ToLower(strings.TrimSpace(slot.DisplayName))
	if full != "" && strings.Contains(lower, full) {
		return true
	}
	first := strings.ToLower(slot.FirstName())
	return first != "" && strings.Contains(lower, first)
}

func containsAny(lower string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func agentTurnsInLastN(turns []models.Turn, n int) int {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	count := 0
	for _, turn := range turns {
		if turn.SpeakerKind == models.SpeakerKindAgent {
			count++
		}
	}
	return count
}
