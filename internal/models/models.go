// Package models defines the core data structures for CareCircle.
//
// It includes speaker slots, turns, and the shared API response types used
// across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SpeakerKind classifies the occupant of a speaker slot.
type SpeakerKind string

const (
	// SpeakerKindModerator is the AI moderator guiding the conversation.
	SpeakerKindModerator SpeakerKind = "moderator"
	// SpeakerKindUser is the human participant.
	SpeakerKindUser SpeakerKind = "user"
	// SpeakerKindAgent is an AI companion agent.
	SpeakerKindAgent SpeakerKind = "agent"
)

// Fixed slot positions. Slots form an ordered array fixed for the session
// lifetime: the moderator at 0, the human participant at 1, agents from 2 up.
const (
	ModeratorSlotIndex  = 0
	UserSlotIndex       = 1
	FirstAgentSlotIndex = 2
)

// Validation constants for session construction.
const (
	// MinAgentCount is the minimum number of agent slots in a session.
	MinAgentCount = 1
	// MaxAgentCount bounds the agent roster for a single session.
	MaxAgentCount = 8
	// MaxTurnContentLength bounds the content of a single turn.
	MaxTurnContentLength = 8192
	// MaxDisplayNameLength bounds slot display names.
	MaxDisplayNameLength = 100
)

// Error variables for better error handling and testability.
var (
	ErrSpeakerNotFound    = errors.New("speaker slot not found")
	ErrNoActiveSession    = errors.New("no active session")
	ErrSequenceOutOfOrder = errors.New("turn sequence number out of order")
	ErrEmptyDisplayName   = errors.New("slot display name cannot be empty")
	ErrDisplayNameTooLong = errors.New("slot display name exceeds maximum length")
	ErrTurnContentTooLong = errors.New("turn content exceeds maximum length")
	ErrTooFewAgents       = errors.New("session requires at least one agent slot")
	ErrTooManyAgents      = errors.New("too many agent slots")
	ErrInvalidSlotOrder   = errors.New("slots must be ordered moderator, user, agents")
)

// SpeakerSlot is a fixed position in the speaker ordering.
type SpeakerSlot struct {
	Index         int         `json:"index"`
	Kind          SpeakerKind `json:"kind"`
	DisplayName   string      `json:"display_name"`
	VoiceID       string      `json:"voice_id,omitempty"`
	AvatarAssetID string      `json:"avatar_asset_id,omitempty"`
}

// Validate checks slot-level invariants.
func (s SpeakerSlot) Validate() error {
	if strings.TrimSpace(s.DisplayName) == "" {
		return ErrEmptyDisplayName
	}
	if len(s.DisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	switch s.Kind {
	case SpeakerKindModerator, SpeakerKindUser, SpeakerKindAgent:
	default:
		return fmt.Errorf("invalid speaker kind %q", s.Kind)
	}
	return nil
}

// FirstName returns the slot's first name for content matching.
func (s SpeakerSlot) FirstName() string {
	fields := strings.Fields(s.DisplayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsAgent reports whether the slot belongs to an AI companion agent.
func (s SpeakerSlot) IsAgent() bool {
	return s.Kind == SpeakerKindAgent
}

// ValidateRoster checks the fixed slot ordering for a session roster:
// moderator at 0, user at 1, agents from 2 up.
func ValidateRoster(slots []SpeakerSlot) error {
	if len(slots) < FirstAgentSlotIndex+MinAgentCount {
		return ErrTooFewAgents
	}
	if len(slots) > FirstAgentSlotIndex+MaxAgentCount {
		return ErrTooManyAgents
	}
	for i, slot := range slots {
		if slot.Index != i {
			return ErrInvalidSlotOrder
		}
		expected := SpeakerKindAgent
		switch i {
		case ModeratorSlotIndex:
			expected = SpeakerKindModerator
		case UserSlotIndex:
			expected = SpeakerKindUser
		}
		if slot.Kind != expected {
			return ErrInvalidSlotOrder
		}
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

// Turn is one utterance attributed to a slot, with a monotonic sequence number.
type Turn struct {
	SessionID      string      `json:"session_id"`
	SequenceNumber int         `json:"sequence_number"`
	SpeakerIndex   int         `json:"speaker_index"`
	SpeakerKind    SpeakerKind `json:"speaker_kind"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Validate checks turn-level invariants.
func (t Turn) Validate() error {
	if t.SessionID == "" {
		return ErrNoActiveSession
	}
	if t.SequenceNumber < 0 {
		return ErrSequenceOutOfOrder
	}
	if t.SpeakerIndex < 0 {
		return ErrSpeakerNotFound
	}
	if len(t.Content) > MaxTurnContentLength {
		return ErrTurnContentTooLong
	}
	return nil
}

// CreateSessionRequest is the payload for starting a conversation session.
type CreateSessionRequest struct {
	Roster []SpeakerSlot `json:"roster"`
}

// Validate checks the roster carried by a session creation request.
func (r CreateSessionRequest) Validate() error {
	return ValidateRoster(r.Roster)
}

// UserTurnRequest is the payload for submitting the human participant's turn.
type UserTurnRequest struct {
	Content string `json:"content"`
}

// Validate checks the user turn payload.
func (r UserTurnRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("missing required field: content")
	}
	if len(r.Content) > MaxTurnContentLength {
		return ErrTurnContentTooLong
	}
	return nil
}

// SessionStatus summarizes a live session for API consumers.
type SessionStatus struct {
	SessionID      string        `json:"session_id"`
	State          string        `json:"state"`
	Phase          Phase         `json:"phase"`
	CurrentSpeaker int           `json:"current_speaker"`
	TurnCount      int           `json:"turn_count"`
	Roster         []SpeakerSlot `json:"roster"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API call.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API call.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
