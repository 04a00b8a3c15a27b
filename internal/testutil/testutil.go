// Package testutil provides common test utilities and helpers for CareCircle tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/CareCircle/internal/genai"
	"github.com/BTreeMap/CareCircle/internal/models"
)

// TestRoster returns a five-slot roster with voices and avatar assets, the
// shape most pipeline and API tests need.
func TestRoster() []models.SpeakerSlot {
	return []models.SpeakerSlot{
		{Index: 0, Kind: models.SpeakerKindModerator, DisplayName: "Grace", VoiceID: "Joanna"},
		{Index: 1, Kind: models.SpeakerKindUser, DisplayName: "Margaret"},
		{Index: 2, Kind: models.SpeakerKindAgent, DisplayName: "Robert Hayes", VoiceID: "Matthew", AvatarAssetID: "asset_robert"},
		{Index: 3, Kind: models.SpeakerKindAgent, DisplayName: "Eleanor Price", VoiceID: "Kimberly", AvatarAssetID: "asset_eleanor"},
		{Index: 4, Kind: models.SpeakerKindAgent, DisplayName: "Walter Simmons", VoiceID: "Justin", AvatarAssetID: "asset_walter"},
	}
}

// MockGenerator is a scripted text-generation collaborator.
type MockGenerator struct {
	mu sync.Mutex
	// GenerateFunc overrides the default scripted behavior when set.
	GenerateFunc func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error)
	// Err, when set, is returned on every call.
	Err   error
	calls []genai.GenerateRequest
}

func (m *MockGenerator) GenerateTurn(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	n := len(m.calls)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	if m.Err != nil {
		return genai.GenerateResult{}, m.Err
	}
	return genai.GenerateResult{Text: fmt.Sprintf("%s speaks for the %d. time.", req.Slot.DisplayName, n)}, nil
}

// Calls returns a copy of every request the generator received.
func (m *MockGenerator) Calls() []genai.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]genai.GenerateRequest(nil), m.calls...)
}

// CallCount returns how many times GenerateTurn was invoked.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockSynthesizer is a deterministic audio-synthesis collaborator.
type MockSynthesizer struct {
	mu    sync.Mutex
	Err   error
	calls int
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return []byte("audio:" + voiceID + ":" + text), nil
}

// CallCount returns how many times Synthesize was invoked.
func (m *MockSynthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockStreamFactory is an avatar session factory that hands out sequential
// tokens and records teardowns.
type MockStreamFactory struct {
	mu      sync.Mutex
	Err     error
	created int
	closed  []string
}

func (f *MockStreamFactory) CreateSession(ctx context.Context, avatarAssetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.created++
	return fmt.Sprintf("stream_%s_%d", avatarAssetID, f.created), nil
}

func (f *MockStreamFactory) CloseSession(ctx context.Context, sessionToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionToken)
	return nil
}

// Created returns how many sessions the factory opened.
func (f *MockStreamFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Closed returns the tokens of every torn-down session.
func (f *MockStreamFactory) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
