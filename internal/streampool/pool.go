// Package streampool bounds the number of concurrently live avatar video
// sessions for a conversation session, with recency-based eviction.
package streampool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareCircle/internal/retry"
)

// Defaults for pool construction.
const (
	DefaultMaxActiveStreams = 3
	DefaultReadyTimeout     = 30 * time.Second
)

// SessionFactory creates and tears down live avatar sessions with the vendor.
type SessionFactory interface {
	CreateSession(ctx context.Context, avatarAssetID string) (string, error)
	CloseSession(ctx context.Context, sessionToken string) error
}

// Handle is one live avatar stream owned by the pool.
type Handle struct {
	SpeakerIndex  int
	AvatarAssetID string
	SessionToken  string
	LastUsed      time.Time
	Ready         bool
}

// Pool is a bounded set of live avatar video sessions. All methods are safe
// for concurrent use within one conversation session.
type Pool struct {
	factory      SessionFactory
	exec         retry.Executor
	maxActive    int
	readyTimeout time.Duration
	assets       map[int]string // speaker index -> avatar asset id
	now          func() time.Time

	mu      sync.Mutex
	handles map[int]*Handle
}

// NewPool creates a stream pool for the configured agent avatar assets.
// maxActive and readyTimeout fall back to defaults when non-positive.
func NewPool(factory SessionFactory, exec retry.Executor, maxActive int, readyTimeout time.Duration, assets map[int]string) *Pool {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveStreams
	}
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	copied := make(map[int]string, len(assets))
	for idx, asset := range assets {
		if asset != "" {
			copied[idx] = asset
		}
	}
	return &Pool{
		factory:      factory,
		exec:         exec,
		maxActive:    maxActive,
		readyTimeout: readyTimeout,
		assets:       copied,
		now:          time.Now,
		handles:      make(map[int]*Handle),
	}
}

// Init ensures a live stream for the speaker. Idempotent: an already-active
// stream degrades to a Touch. When the pool is full and the speaker is new,
// the globally least-recently-used stream is torn down at admission so the
// active count never exceeds the bound, even across concurrent Init calls.
func (p *Pool) Init(ctx context.Context, speakerIndex int) error {
	asset, ok := p.assets[speakerIndex]
	if !ok {
		// Speakers without an avatar asset (or the human) simply have no stream.
		return nil
	}

	p.mu.Lock()
	if handle, active := p.handles[speakerIndex]; active {
		handle.LastUsed = p.now()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token, err := retry.DoValue(ctx, p.exec, func(ctx context.Context) (string, error) {
		return p.factory.CreateSession(ctx, asset)
	}, retry.DefaultMaxAttempts, retry.DefaultBaseDelay)
	if err != nil {
		return fmt.Errorf("create avatar session for speaker %d: %w", speakerIndex, err)
	}

	p.mu.Lock()
	if handle, active := p.handles[speakerIndex]; active {
		// A concurrent Init for the same speaker won the race. Keep the
		// existing stream and tear down the redundant one.
		handle.LastUsed = p.now()
		p.mu.Unlock()
		p.teardown(ctx, &Handle{SpeakerIndex: speakerIndex, SessionToken: token})
		return nil
	}
	evicted := p.evictForAdmissionLocked(speakerIndex)
	p.handles[speakerIndex] = &Handle{
		SpeakerIndex:  speakerIndex,
		AvatarAssetID: asset,
		SessionToken:  token,
		LastUsed:      p.now(),
		Ready:         true,
	}
	p.mu.Unlock()

	for _, old := range evicted {
		p.teardown(ctx, old)
	}
	slog.Debug("Pool.Init: avatar stream ready", "speaker_index", speakerIndex, "avatar_asset_id", asset)
	return nil
}

// Touch refreshes the last-used time for a speaker's stream, initializing it
// first if the speaker has an avatar asset but no live stream yet.
func (p *Pool) Touch(ctx context.Context, speakerIndex int) error {
	p.mu.Lock()
	if handle, ok := p.handles[speakerIndex]; ok {
		handle.LastUsed = p.now()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.Init(ctx, speakerIndex)
}

// WaitReady initializes every configured agent stream, waiting up to the
// pool's ready timeout. Timing out is a non-fatal degradation: the
// conversation continues audio-only for the streams that failed.
func (p *Pool) WaitReady(ctx context.Context) {
	deadline, cancel := context.WithTimeout(ctx, p.readyTimeout)
	defer cancel()

	indices := make([]int, 0, len(p.assets))
	for idx := range p.assets {
		indices = append(indices, idx)
	}

	var wg sync.WaitGroup
	for _, idx := range indices {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Init(deadline, idx); err != nil {
				slog.Warn("Pool.WaitReady: stream init failed, continuing without video", "speaker_index", idx, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("Pool.WaitReady: all configured streams resolved", "configured", len(indices), "active", p.ActiveCount())
	case <-deadline.Done():
		slog.Warn("Pool.WaitReady: timed out waiting for avatar streams, continuing audio-only", "timeout", p.readyTimeout, "active", p.ActiveCount())
	}
}

// DestroyAll tears down every live stream. Used at session end.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, handle := range p.handles {
		handles = append(handles, handle)
	}
	p.handles = make(map[int]*Handle)
	p.mu.Unlock()

	for _, handle := range handles {
		p.teardown(ctx, handle)
	}
	if len(handles) > 0 {
		slog.Info("Pool.DestroyAll: tore down avatar streams", "count", len(handles))
	}
}

// ActiveCount reports the number of live streams.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Handle returns a copy of the speaker's live stream handle, if any.
func (p *Pool) Handle(speakerIndex int) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.handles[speakerIndex]; ok {
		return *handle, true
	}
	return Handle{}, false
}

// Active reports whether the speaker currently holds a live stream.
func (p *Pool) Active(speakerIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[speakerIndex]
	return ok
}

// evictForAdmissionLocked removes least-recently-used handles until there is
// room for one more stream, excluding the speaker being admitted.
func (p *Pool) evictForAdmissionLocked(admitting int) []*Handle {
	var evicted []*Handle
	for len(p.handles) >= p.maxActive {
		var oldest *Handle
		for idx, handle := range p.handles {
			if idx == admitting {
				continue
			}
			if oldest == nil || handle.LastUsed.Before(oldest.LastUsed) {
				oldest = handle
			}
		}
		if oldest == nil {
			break
		}
		delete(p.handles, oldest.SpeakerIndex)
		evicted = append(evicted, oldest)
		slog.Debug("Pool.evictForAdmission: evicting least-recently-used stream", "speaker_index", oldest.SpeakerIndex)
	}
	return evicted
}

func (p *Pool) teardown(ctx context.Context, handle *Handle) {
	if err := p.factory.CloseSession(ctx, handle.SessionToken); err != nil {
		slog.Warn("Pool.teardown: failed to close avatar session", "speaker_index", handle.SpeakerIndex, "error", err)
	}
}
