// Package models defines frequency-tracking state for speaker scheduling.
package models

import "time"

// LastFiveWindow is the size of the bounded FIFO of recent speaker kinds.
const LastFiveWindow = 5

// FrequencyState tracks how recently the moderator and the human participant
// have spoken. It is derived solely from the turn log and updated after every
// turn append; the scheduler reads it but never mutates it.
//
// The counters answer "how many turns ago did this speaker last speak" at the
// next scheduling decision: immediately after a speaker's own turn their
// counter reads 1, and it grows by one per subsequent turn.
type FrequencyState struct {
	TurnsSinceUserSpoke      int           `json:"turns_since_user_spoke"`
	TurnsSinceModeratorSpoke int           `json:"turns_since_moderator_spoke"`
	LastFiveSpeakerKinds     []SpeakerKind `json:"last_five_speaker_kinds"`
}

// NewFrequencyState returns the zero state for a fresh session.
func NewFrequencyState() FrequencyState {
	return FrequencyState{LastFiveSpeakerKinds: make([]SpeakerKind, 0, LastFiveWindow)}
}

// Observe folds one appended turn into the state, returning the updated copy.
func (f FrequencyState) Observe(kind SpeakerKind) FrequencyState {
	if kind == SpeakerKindUser {
		f.TurnsSinceUserSpoke = 0
	}
	if kind == SpeakerKindModerator {
		f.TurnsSinceModeratorSpoke = 0
	}
	f.TurnsSinceUserSpoke++
	f.TurnsSinceModeratorSpoke++

	window := append(append([]SpeakerKind(nil), f.LastFiveSpeakerKinds...), kind)
	if len(window) > LastFiveWindow {
		window = window[len(window)-LastFiveWindow:]
	}
	f.LastFiveSpeakerKinds = window
	return f
}

// UserTurnsInLastFive counts user turns inside the bounded window.
func (f FrequencyState) UserTurnsInLastFive() int {
	count := 0
	for _, kind := range f.LastFiveSpeakerKinds {
		if kind == SpeakerKindUser {
			count++
		}
	}
	return count
}

// AgentTurnsInLastN counts agent turns among the most recent n window entries.
func (f FrequencyState) AgentTurnsInLastN(n int) int {
	window := f.LastFiveSpeakerKinds
	if n < len(window) {
		window = window[len(window)-n:]
	}
	count := 0
	for _, kind := range window {
		if kind == SpeakerKindAgent {
			count++
		}
	}
	return count
}

// PreGeneratedTurn holds the speculative text for the scheduler's chosen next
// speaker, produced while the current speaker's audio plays. At most one live
// entry exists per session; it is discarded whenever it no longer matches the
// chosen next speaker, and wholesale-cleared whenever the human speaks.
type PreGeneratedTurn struct {
	SpeakerIndex int       `json:"speaker_index"`
	Text         string    `json:"text"`
	ProducedAt   time.Time `json:"produced_at"`
}
