// Package genai provides GenAI-backed turn text generation using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CareCircle/internal/models"
)

// DefaultHistoryLimit bounds the number of recent turns sent to the model.
const DefaultHistoryLimit = 30

// ErrNoChoicesReturned indicates the completion API returned no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatCompletionService defines the minimal surface of the OpenAI chat
// completions client, so tests can substitute a mock.
type chatCompletionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// GenerateRequest describes one turn-text generation call.
type GenerateRequest struct {
	SessionID string
	Slot      models.SpeakerSlot
	Roster    []models.SpeakerSlot
	History   []models.Turn
	Phase     models.Phase
}

// GenerateResult carries the generated text plus an advisory hint that the
// speaker tried to hand the floor back to the human participant.
type GenerateResult struct {
	Text             string
	ReturnToUserHint bool
}

// ClientInterface defines the behavior the turn pipeline needs from a
// text-generation collaborator.
type ClientInterface interface {
	GenerateTurn(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey       string
	Model        string
	HistoryLimit int
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithHistoryLimit bounds how many recent turns are sent with each request.
func WithHistoryLimit(limit int) Option {
	return func(o *Opts) { o.HistoryLimit = limit }
}

// Client wraps the OpenAI chat completion service for generating turn text.
type Client struct {
	chat         chatCompletionService
	model        string
	historyLimit int
}

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is supplied.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model, "history_limit", cfg.HistoryLimit)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model, historyLimit: cfg.HistoryLimit}, nil
}

// GenerateTurn produces the next utterance for the requested speaker slot.
func (c *Client) GenerateTurn(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	slog.Debug("Client.GenerateTurn: generating turn text", "session_id", req.SessionID, "speaker_index", req.Slot.Index, "phase", req.Phase, "history_len", len(req.History))

	messages := c.buildMessages(req)
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("Client.GenerateTurn: completion failed", "error", err, "session_id", req.SessionID, "speaker_index", req.Slot.Index)
		return GenerateResult{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return GenerateResult{}, ErrNoChoicesReturned
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	result := GenerateResult{
		Text:             text,
		ReturnToUserHint: returnToUserHint(text, req.Roster),
	}
	slog.Debug("Client.GenerateTurn: turn text generated", "session_id", req.SessionID, "speaker_index", req.Slot.Index, "text_len", len(text), "return_to_user_hint", result.ReturnToUserHint)
	return result, nil
}

// buildMessages assembles the persona system prompt followed by the recent
// conversation history. Turns by the requested speaker map to assistant
// messages; everything else is presented as attributed user content.
func (c *Client) buildMessages(req GenerateRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(personaPrompt(req)),
	}

	history := req.History
	if c.historyLimit > 0 && len(history) > c.historyLimit {
		history = history[len(history)-c.historyLimit:]
	}
	for _, turn := range history {
		name := speakerName(req.Roster, turn.SpeakerIndex)
		if turn.SpeakerIndex == req.Slot.Index {
			messages = append(messages, openai.AssistantMessage(turn.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(fmt.Sprintf("%s: %s", name, turn.Content)))
	}
	return messages
}

func personaPrompt(req GenerateRequest) string {
	var b strings.Builder
	switch req.Slot.Kind {
	case models.SpeakerKindModerator:
		fmt.Fprintf(&b, "You are %s, the warm and attentive moderator of a small group reminiscence conversation. ", req.Slot.DisplayName)
		b.WriteString("Keep the group comfortable, invite quieter voices in, and gently steer the topic.")
	default:
		fmt.Fprintf(&b, "You are %s, a friendly companion in a small group reminiscence conversation. ", req.Slot.DisplayName)
		b.WriteString("Share short personal memories and respond naturally to the others.")
	}

	var names []string
	for _, slot := range req.Roster {
		if slot.Index != req.Slot.Index {
			names = append(names, slot.DisplayName)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, " The other participants are %s.", strings.Join(names, ", "))
	}

	switch req.Phase {
	case models.PhaseOpening:
		b.WriteString(" The conversation is just beginning: make introductions and light openings.")
	case models.PhaseExploration:
		b.WriteString(" The conversation is warming up: explore topics the group raises.")
	case models.PhaseDeepening:
		b.WriteString(" The conversation is in full flow: ask about details and feelings.")
	case models.PhaseIntegration:
		b.WriteString(" The conversation is drawing together: connect the memories shared so far.")
	case models.PhaseClosing:
		b.WriteString(" The conversation is wrapping up: offer warm closing reflections.")
	}

	b.WriteString(" Reply with one or two spoken sentences only.")
	return b.String()
}

// returnToUserHint reports whether the generated text reads as a direct
// question to the human participant.
func returnToUserHint(text string, roster []models.SpeakerSlot) bool {
	if !strings.Contains(text, "?") {
		return false
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "you") {
		return true
	}
	for _, slot := range roster {
		if slot.Kind == models.SpeakerKindUser {
			if name := strings.ToLower(slot.FirstName()); name != "" && strings.Contains(lower, name) {
				return true
			}
		}
	}
	return false
}

func speakerName(roster []models.SpeakerSlot, index int) string {
	for _, slot := range roster {
		if slot.Index == index {
			return slot.DisplayName
		}
	}
	return fmt.Sprintf("speaker %d", index)
}
