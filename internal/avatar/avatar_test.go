package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client, srv
}

func TestCreateSession(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody createSessionRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(createSessionResponse{SessionToken: "tok_abc"})
	})

	token, err := client.CreateSession(context.Background(), "asset_robert")
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if token != "tok_abc" {
		t.Errorf("expected token tok_abc, got %q", token)
	}
	if gotPath != "/v1/sessions" {
		t.Errorf("expected POST /v1/sessions, got %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if gotBody.AvatarAssetID != "asset_robert" {
		t.Errorf("expected asset ID in body, got %q", gotBody.AvatarAssetID)
	}
}

func TestCreateSessionEmptyToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createSessionResponse{})
	})
	if _, err := client.CreateSession(context.Background(), "asset_robert"); err == nil {
		t.Error("expected error for empty session token")
	}
}

func TestCreateSessionVendorError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "asset not found", http.StatusNotFound)
	})
	if _, err := client.CreateSession(context.Background(), "asset_missing"); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestCloseSession(t *testing.T) {
	var gotMethod, gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.CloseSession(context.Background(), "tok_abc"); err != nil {
		t.Fatalf("CloseSession returned error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/sessions/tok_abc" {
		t.Errorf("expected DELETE /v1/sessions/tok_abc, got %s %s", gotMethod, gotPath)
	}
}

func TestNotifySpeaking(t *testing.T) {
	var gotPath string
	var gotBody speakingEventRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	if err := client.NotifySpeaking(context.Background(), "tok_abc", EventStartedSpeaking); err != nil {
		t.Fatalf("NotifySpeaking returned error: %v", err)
	}
	if gotPath != "/v1/sessions/tok_abc/events" {
		t.Errorf("expected events path, got %q", gotPath)
	}
	if gotBody.Event != EventStartedSpeaking {
		t.Errorf("expected started_speaking event, got %q", gotBody.Event)
	}

	if err := client.NotifySpeaking(context.Background(), "tok_abc", "waving"); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Errorf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestValidatesArguments(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := client.CreateSession(context.Background(), " "); err == nil {
		t.Error("expected error for blank asset ID")
	}
	if err := client.CloseSession(context.Background(), ""); err == nil {
		t.Error("expected error for blank session token")
	}
	if err := client.NotifySpeaking(context.Background(), "", EventStoppedSpeaking); err == nil {
		t.Error("expected error for blank session token")
	}
}
