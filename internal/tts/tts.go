// Package tts synthesizes turn text into audio using Amazon Polly.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

// DefaultTimeout bounds a single synthesis call.
const DefaultTimeout = 15 * time.Second

// ErrEmptyAudioStream indicates Polly returned no audio payload.
var ErrEmptyAudioStream = errors.New("empty audio stream")

// Synthesizer defines the behavior the turn pipeline needs from a
// text-to-speech collaborator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// synthClient is the minimal Polly client surface, so tests can substitute
// a mock.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config holds Amazon Polly synthesis settings.
type Config struct {
	Region  string
	Engine  string
	Timeout time.Duration
}

// ConfigFromEnv reads Polly settings from the environment with sensible
// defaults.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("CARECIRCLE_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		Engine:  defaultString(os.Getenv("CARECIRCLE_POLLY_ENGINE"), "neural"),
		Timeout: DefaultTimeout,
	}
}

// Client synthesizes speech through Amazon Polly. The underlying AWS client
// is created lazily on first use.
type Client struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// NewClient creates a Polly-backed synthesizer.
func NewClient(cfg Config) *Client {
	return newClientWith(cfg, nil)
}

// NewClientWith creates a synthesizer with an injected Polly client, for
// tests.
func NewClientWith(cfg Config, client synthClient) *Client {
	return newClientWith(cfg, client)
}

func newClientWith(cfg Config, client synthClient) *Client {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{client: client, cfg: cfg}
}

// Synthesize renders text as MP3 audio in the requested voice.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is empty")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice ID is empty")
	}
	client, err := c.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(c.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	slog.Debug("tts.Synthesize: calling Polly", "voice_id", voiceID, "text_len", len(text), "engine", c.cfg.Engine)
	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	})
	if err != nil {
		slog.Error("tts.Synthesize: Polly call failed", "error", err, "voice_id", voiceID)
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, ErrEmptyAudioStream
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("read audio stream: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudioStream
	}
	slog.Debug("tts.Synthesize: audio synthesized", "voice_id", voiceID, "audio_bytes", len(audio))
	return audio, nil
}

// IsRetryable reports whether a synthesis error is worth retrying. Polly
// client errors like oversized text will fail the same way every time.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "InvalidSampleRateException":
			return false
		}
	}
	return true
}

func (c *Client) resolveClient(ctx context.Context) (synthClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c.client = polly.NewFromConfig(awsCfg)
	return c.client, nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
