package speaker

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/BTreeMap/CareCircle/internal/models"
)

func testRoster() []models.SpeakerSlot {
	return []models.SpeakerSlot{
		{Index: 0, Kind: models.SpeakerKindModerator, DisplayName: "Grace"},
		{Index: 1, Kind: models.SpeakerKindUser, DisplayName: "Margaret"},
		{Index: 2, Kind: models.SpeakerKindAgent, DisplayName: "Robert Hayes", VoiceID: "Matthew"},
		{Index: 3, Kind: models.SpeakerKindAgent, DisplayName: "Eleanor Price", VoiceID: "Joanna"},
		{Index: 4, Kind: models.SpeakerKindAgent, DisplayName: "Walter Simmons", VoiceID: "Brian"},
	}
}

// fixedRand always returns the same value, pinning the probabilistic rules.
func fixedRand(v float64) Option {
	return WithRandFloat(func() float64 { return v })
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(testRoster(), opts...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestNewSchedulerRejectsBadRoster(t *testing.T) {
	_, err := NewScheduler(testRoster()[:2])
	if err == nil {
		t.Fatal("expected error for roster without agents")
	}
}

func TestModeratorStarvationOutranksContent(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 5, TurnsSinceUserSpoke: 2}

	// Content naming an agent must not override the starvation rule.
	next, err := s.NextSpeaker(2, "Eleanor, what do you remember?", freq, models.PhaseExploration, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.ModeratorSlotIndex {
		t.Errorf("expected moderator, got %d", next)
	}
}

func TestUserStarvation(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 2, TurnsSinceUserSpoke: 5}

	next, err := s.NextSpeaker(2, "Those were fine days.", freq, models.PhaseExploration, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.UserSlotIndex {
		t.Errorf("expected user, got %d", next)
	}
}

func TestUserDominanceRoutesToNextAgent(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{
		TurnsSinceModeratorSpoke: 2,
		TurnsSinceUserSpoke:      1,
		LastFiveSpeakerKinds: []models.SpeakerKind{
			models.SpeakerKindUser, models.SpeakerKindAgent, models.SpeakerKindUser,
			models.SpeakerKindAgent, models.SpeakerKindUser,
		},
	}

	next, err := s.NextSpeaker(3, "Tell me more about Robert?", freq, models.PhaseExploration, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != 4 {
		t.Errorf("expected next agent slot 4, got %d", next)
	}

	// Wrap from the last agent back to the first agent slot.
	next, err = s.NextSpeaker(4, "quiet afternoon", freq, models.PhaseExploration, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.FirstAgentSlotIndex {
		t.Errorf("expected wrap to first agent slot, got %d", next)
	}
}

func TestModeratorKeywordRouting(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}

	cases := []string{
		"Maybe our guide has a thought.",
		"Let's ask the moderator.",
		"Should we talk about the old neighborhood?",
		"What if we sang that song again?",
	}
	for _, content := range cases {
		next, err := s.NextSpeaker(2, content, freq, models.PhaseExploration, nil)
		if err != nil {
			t.Fatal(err)
		}
		if next != models.ModeratorSlotIndex {
			t.Errorf("content %q: expected moderator, got %d", content, next)
		}
	}
}

func TestCollaborativePatternNeedsQuestionMark(t *testing.T) {
	s := newTestScheduler(t, fixedRand(0.9))
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}

	// "should we" without a question mark is not a collaborative question.
	next, err := s.NextSpeaker(2, "should we say, it was a long road", freq, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next == models.ModeratorSlotIndex {
		t.Error("expected fall-through past the collaborative rule without a question mark")
	}
}

func TestAgentNameRouting(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}

	cases := []struct {
		content string
		want    int
	}{
		{"Eleanor would know that tune.", 3},
		{"I think walter simmons kept bees.", 4},
		{"robert always had tomatoes.", 2},
		// First match in slot order wins when several names appear.
		{"Robert and Eleanor both lived on Elm Street.", 2},
	}
	for _, tc := range cases {
		next, err := s.NextSpeaker(0, tc.content, freq, models.PhaseExploration, nil)
		if err != nil {
			t.Fatal(err)
		}
		if next != tc.want {
			t.Errorf("content %q: expected slot %d, got %d", tc.content, tc.want, next)
		}
	}
}

// Documents the deliberate cascade ordering: "can we ...?" is a collaborative
// question (rule 4), but the moderator cannot follow themselves, so the agent
// name match decides and Robert answers.
func TestCollaborativeQuestionFromModeratorRoutesToNamedAgent(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 2}

	next, err := s.NextSpeaker(models.ModeratorSlotIndex, "Can we talk about Robert's garden, Robert?", freq, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != 2 {
		t.Errorf("expected Robert's slot 2, got %d", next)
	}
}

// The same sentence from an agent routes to the moderator: rule 4 precedes
// the name scan in the cascade.
func TestCollaborativeQuestionFromAgentRoutesToModerator(t *testing.T) {
	s := newTestScheduler(t)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 2, TurnsSinceUserSpoke: 2}

	next, err := s.NextSpeaker(3, "Can we talk about Robert's garden, Robert?", freq, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.ModeratorSlotIndex {
		t.Errorf("expected moderator, got %d", next)
	}
}

func TestUserQuestionProbability(t *testing.T) {
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}
	content := "What was it like for you back then?"

	// Coin comes up under 0.5: route to the user.
	s := newTestScheduler(t, fixedRand(0.25))
	next, err := s.NextSpeaker(2, content, freq, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.UserSlotIndex {
		t.Errorf("expected user, got %d", next)
	}

	// Coin at or above 0.5: fall through to the sequential default.
	s = newTestScheduler(t, fixedRand(0.75))
	next, err = s.NextSpeaker(2, content, freq, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != 3 {
		t.Errorf("expected sequential default slot 3, got %d", next)
	}
}

func TestSequentialDefaultWraps(t *testing.T) {
	s := newTestScheduler(t, fixedRand(0.9))
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}

	cases := []struct {
		current int
		want    int
	}{
		{0, 2}, // past moderator lands on first agent
		{1, 2},
		{2, 3},
		{3, 4},
		{4, 2}, // wrap past the last agent
	}
	for _, tc := range cases {
		next, err := s.NextSpeaker(tc.current, "it was a quiet afternoon", freq, models.PhaseOpening, nil)
		if err != nil {
			t.Fatal(err)
		}
		if next != tc.want {
			t.Errorf("current %d: expected %d, got %d", tc.current, tc.want, next)
		}
	}
}

func TestAgentBanterOverrideRoutesToModerator(t *testing.T) {
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 3, TurnsSinceUserSpoke: 2}
	recent := []models.Turn{
		{SpeakerKind: models.SpeakerKindAgent},
		{SpeakerKind: models.SpeakerKindAgent},
		{SpeakerKind: models.SpeakerKindUser},
	}

	// Exploration phase, agent speaking, two agent turns in the last three,
	// coin under 0.5: the moderator takes the floor instead of the next agent.
	s := newTestScheduler(t, fixedRand(0.25))
	next, err := s.NextSpeaker(2, "long summer days", freq, models.PhaseExploration, recent)
	if err != nil {
		t.Fatal(err)
	}
	if next != models.ModeratorSlotIndex {
		t.Errorf("expected moderator override, got %d", next)
	}

	// Outside the middle phases the override never applies.
	s = newTestScheduler(t, fixedRand(0.25))
	next, err = s.NextSpeaker(2, "long summer days", freq, models.PhaseClosing, recent)
	if err != nil {
		t.Fatal(err)
	}
	if next != 3 {
		t.Errorf("expected sequential default, got %d", next)
	}
}

func TestNextSpeakerRejectsUnknownCurrent(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.NextSpeaker(9, "hello", models.FrequencyState{}, models.PhaseOpening, nil)
	if !errors.Is(err, models.ErrSpeakerNotFound) {
		t.Errorf("expected ErrSpeakerNotFound, got %v", err)
	}
}

// Simulated run covering the fairness properties: no immediate repeats, the
// moderator appears in every rolling window of five turns, and the user
// appears at least once and at most three times per window after warm-up.
func TestSimulatedRunFairness(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 17))
	s := newTestScheduler(t, WithRandFloat(rng.Float64))

	contents := []string{
		"It was a quiet afternoon by the river.",
		"Do you remember the dance hall?",
		"The winters felt longer back then.",
		"What if we talked about the harvest?",
		"Eleanor kept the photographs.",
		"That song played on the radio all summer.",
	}

	freq := models.NewFrequencyState()
	var kinds []models.SpeakerKind
	var recent []models.Turn

	current := models.ModeratorSlotIndex
	slot, err := s.Slot(current)
	if err != nil {
		t.Fatal(err)
	}
	freq = freq.Observe(slot.Kind)
	kinds = append(kinds, slot.Kind)

	for i := 0; i < 200; i++ {
		content := contents[rng.IntN(len(contents))]
		next, err := s.NextSpeaker(current, content, freq, models.PhaseForTurnCount(len(kinds)), recent)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if next == current {
			t.Fatalf("turn %d: immediate repeat of slot %d", i, next)
		}

		nextSlot, err := s.Slot(next)
		if err != nil {
			t.Fatal(err)
		}
		freq = freq.Observe(nextSlot.Kind)
		kinds = append(kinds, nextSlot.Kind)
		recent = append(recent, models.Turn{SpeakerIndex: next, SpeakerKind: nextSlot.Kind})
		if len(recent) > 5 {
			recent = recent[1:]
		}
		current = next
	}

	for start := 0; start+5 <= len(kinds); start++ {
		window := kinds[start : start+5]
		moderators, users := 0, 0
		for _, kind := range window {
			switch kind {
			case models.SpeakerKindModerator:
				moderators++
			case models.SpeakerKindUser:
				users++
			}
		}
		if moderators == 0 {
			t.Fatalf("window at %d: no moderator turn in %v", start, window)
		}
		if start >= 5 && users == 0 {
			t.Fatalf("window at %d: no user turn in %v", start, window)
		}
		if users > 3 {
			t.Fatalf("window at %d: user spoke %d times in %v", start, users, window)
		}
	}
}

// NextSpeaker never repeats the current slot for any reachable frequency state.
func TestNoRepeatAcrossRules(t *testing.T) {
	s := newTestScheduler(t, fixedRand(0.25))

	freqs := []models.FrequencyState{
		{TurnsSinceModeratorSpoke: 5, TurnsSinceUserSpoke: 1},
		{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 5},
		{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1},
	}
	contents := []string{
		"",
		"Can we sing it again?",
		"Robert, Eleanor, Walter.",
		"What do you think?",
		"ask the moderator",
	}
	for _, freq := range freqs {
		for _, content := range contents {
			for current := 0; current < 5; current++ {
				next, err := s.NextSpeaker(current, content, freq, models.PhaseExploration, nil)
				if err != nil {
					t.Fatalf("current=%d content=%q: %v", current, content, err)
				}
				if next == current {
					t.Errorf("current=%d content=%q freq=%+v: repeated speaker", current, content, freq)
				}
			}
		}
	}
}

func TestSingleAgentRosterNeverRepeats(t *testing.T) {
	slots := []models.SpeakerSlot{
		{Index: 0, Kind: models.SpeakerKindModerator, DisplayName: "Grace"},
		{Index: 1, Kind: models.SpeakerKindUser, DisplayName: "Margaret"},
		{Index: 2, Kind: models.SpeakerKindAgent, DisplayName: "Robert"},
	}
	s, err := NewScheduler(slots, fixedRand(0.9))
	if err != nil {
		t.Fatal(err)
	}

	// The sequential default from the only agent wraps back onto itself; the
	// guard must advance to a different slot.
	next, err := s.NextSpeaker(2, "quiet evening", models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}, models.PhaseOpening, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next == 2 {
		t.Error("expected guard to break the repeat")
	}
}

func ExampleScheduler_NextSpeaker() {
	slots := []models.SpeakerSlot{
		{Index: 0, Kind: models.SpeakerKindModerator, DisplayName: "Grace"},
		{Index: 1, Kind: models.SpeakerKindUser, DisplayName: "Margaret"},
		{Index: 2, Kind: models.SpeakerKindAgent, DisplayName: "Robert"},
		{Index: 3, Kind: models.SpeakerKindAgent, DisplayName: "Eleanor"},
	}
	s, _ := NewScheduler(slots)
	freq := models.FrequencyState{TurnsSinceModeratorSpoke: 1, TurnsSinceUserSpoke: 1}
	next, _ := s.NextSpeaker(0, "Eleanor, tell us about the bakery.", freq, models.PhaseOpening, nil)
	fmt.Println(next)
	// Output: 3
}
