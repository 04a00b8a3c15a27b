// Package api provides HTTP handlers and the main API server logic for CareCircle.
//
// It exposes RESTful endpoints for creating conversation sessions, submitting
// user turns, advancing AI turns, and fetching transcripts. The API wires the
// store, genai, tts, avatar, and pipeline modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/CareCircle/internal/avatar"
	"github.com/BTreeMap/CareCircle/internal/genai"
	"github.com/BTreeMap/CareCircle/internal/pipeline"
	"github.com/BTreeMap/CareCircle/internal/store"
	"github.com/BTreeMap/CareCircle/internal/streampool"
	"github.com/BTreeMap/CareCircle/internal/tts"
)

// Default server configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on interrupt.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds API server configuration options.
type Opts struct {
	Addr        string
	IdleTimeout time.Duration
}

// Option defines a functional option for API server configuration.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithIdleTimeout sets how long a session may sit untouched before the idle
// sweep ends it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// Server exposes the conversation control API over HTTP, backed by the
// session manager.
type Server struct {
	mgr        *pipeline.Manager
	addr       string
	httpServer *http.Server
}

// NewServer creates an API server for the given session manager.
func NewServer(mgr *pipeline.Manager, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{mgr: mgr, addr: cfg.Addr}
}

// Handler builds the route table for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionsHandler)
	return mux
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	slog.Info("Server.Start: API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Run wires the full service from module options: the turn store, the
// generation and synthesis clients, the avatar vendor, the pipeline, and the
// HTTP API. It blocks until the process is interrupted or the server fails.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	generator, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize generation client: %w", err)
	}

	synth := tts.NewClient(tts.ConfigFromEnv())

	var factory streampool.SessionFactory = disabledStreamFactory{}
	var pipeOpts []pipeline.Option
	avatarClient, err := avatar.NewClient(avatar.ConfigFromEnv())
	switch {
	case err == nil:
		factory = avatarClient
		pipeOpts = append(pipeOpts, pipeline.WithSpeakingNotifier(avatarClient))
	case errors.Is(err, avatar.ErrMissingBaseURL):
		slog.Warn("Run: avatar vendor not configured, sessions run audio-only")
	default:
		return fmt.Errorf("failed to initialize avatar client: %w", err)
	}

	pipe := pipeline.NewPipeline(generator, synth, st, pipeOpts...)

	var mgrOpts []pipeline.ManagerOption
	if cfg.IdleTimeout > 0 {
		mgrOpts = append(mgrOpts, pipeline.WithIdleTimeout(cfg.IdleTimeout))
	}
	mgr := pipeline.NewManager(pipe, factory, mgrOpts...)
	if err := mgr.StartIdleSweep(); err != nil {
		return fmt.Errorf("failed to start idle session sweep: %w", err)
	}

	server := NewServer(mgr, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		mgrShutdown(mgr)
		return err
	case <-ctx.Done():
	}

	slog.Info("Run: shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP server shutdown failed", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	return nil
}

func mgrShutdown(mgr *pipeline.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	mgr.Shutdown(ctx)
}

// buildStore selects a store backend from the configured DSN: Postgres for
// connection URLs, SQLite for file paths, in-memory when nothing is set.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// disabledStreamFactory stands in for the avatar vendor when it is not
// configured. Streams report an empty token, so no speaking events are sent.
type disabledStreamFactory struct{}

func (disabledStreamFactory) CreateSession(ctx context.Context, avatarAssetID string) (string, error) {
	return "", nil
}

func (disabledStreamFactory) CloseSession(ctx context.Context, sessionToken string) error {
	return nil
}
