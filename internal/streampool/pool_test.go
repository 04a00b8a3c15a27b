package streampool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CareCircle/internal/retry"
)

type fakeFactory struct {
	mu      sync.Mutex
	created []string
	closed  []string
	fail    bool
	delay   time.Duration
}

func (f *fakeFactory) CreateSession(ctx context.Context, avatarAssetID string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("vendor unavailable")
	}
	f.created = append(f.created, avatarAssetID)
	return "tok-" + avatarAssetID, nil
}

func (f *fakeFactory) CloseSession(ctx context.Context, sessionToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionToken)
	return nil
}

func noSleep() retry.Executor {
	return retry.Executor{Sleep: func(time.Duration) {}}
}

func newTestPool(factory *fakeFactory, maxActive int) *Pool {
	assets := map[int]string{2: "asset-2", 3: "asset-3", 4: "asset-4", 5: "asset-5"}
	return NewPool(factory, noSleep(), maxActive, time.Second, assets)
}

func TestInitCreatesStream(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(factory, 3)

	if err := pool.Init(context.Background(), 2); err != nil {
		t.Fatalf("expected init success, got %v", err)
	}
	if !pool.Active(2) {
		t.Error("expected stream active after init")
	}
	if len(factory.created) != 1 || factory.created[0] != "asset-2" {
		t.Errorf("unexpected created sessions: %v", factory.created)
	}
}

func TestInitIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(factory, 3)

	ctx := context.Background()
	if err := pool.Init(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := pool.Init(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if len(factory.created) != 1 {
		t.Errorf("expected single session creation, got %d", len(factory.created))
	}
}

func TestFourthStreamEvictsLeastRecentlyTouched(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(factory, 3)
	base := time.Unix(1000, 0)
	clock := base
	pool.now = func() time.Time { return clock }

	ctx := context.Background()
	for i, idx := range []int{2, 3, 4} {
		clock = base.Add(time.Duration(i) * time.Second)
		if err := pool.Init(ctx, idx); err != nil {
			t.Fatal(err)
		}
	}

	// Refresh slot 2 so slot 3 is now the least recently touched.
	clock = base.Add(10 * time.Second)
	if err := pool.Touch(ctx, 2); err != nil {
		t.Fatal(err)
	}

	clock = base.Add(11 * time.Second)
	if err := pool.Init(ctx, 5); err != nil {
		t.Fatal(err)
	}

	if pool.Active(3) {
		t.Error("expected slot 3 evicted")
	}
	if !pool.Active(2) || !pool.Active(4) || !pool.Active(5) {
		t.Error("expected slots 2, 4, 5 active")
	}
	if len(factory.closed) != 1 || factory.closed[0] != "tok-asset-3" {
		t.Errorf("expected tok-asset-3 closed, got %v", factory.closed)
	}
	if pool.ActiveCount() != 3 {
		t.Errorf("expected pool bounded at 3, got %d", pool.ActiveCount())
	}
}

func TestConcurrentInitRespectsBound(t *testing.T) {
	factory := &fakeFactory{delay: 20 * time.Millisecond}
	assets := map[int]string{
		2: "asset-2", 3: "asset-3", 4: "asset-4",
		5: "asset-5", 6: "asset-6", 7: "asset-7",
	}
	pool := NewPool(factory, noSleep(), 3, time.Second, assets)

	// Every vendor call overlaps, so the bound must hold at admission.
	pool.WaitReady(context.Background())

	if got := pool.ActiveCount(); got != 3 {
		t.Errorf("expected pool bounded at 3 active streams, got %d", got)
	}
	factory.mu.Lock()
	created, closed := len(factory.created), len(factory.closed)
	factory.mu.Unlock()
	if created-closed != pool.ActiveCount() {
		t.Errorf("expected surplus streams torn down: created %d, closed %d, active %d", created, closed, pool.ActiveCount())
	}
}

func TestTouchUnknownSpeakerWithoutAssetIsNoop(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(factory, 3)

	if err := pool.Touch(context.Background(), 1); err != nil {
		t.Fatalf("expected no error for speaker without asset, got %v", err)
	}
	if pool.ActiveCount() != 0 {
		t.Error("expected no streams created")
	}
}

func TestWaitReadyDegradesOnFailure(t *testing.T) {
	factory := &fakeFactory{fail: true}
	pool := newTestPool(factory, 4)

	// Must return without error even when every stream fails.
	pool.WaitReady(context.Background())
	if pool.ActiveCount() != 0 {
		t.Errorf("expected no active streams, got %d", pool.ActiveCount())
	}
}

func TestDestroyAll(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(factory, 4)

	ctx := context.Background()
	for _, idx := range []int{2, 3, 4} {
		if err := pool.Init(ctx, idx); err != nil {
			t.Fatal(err)
		}
	}
	pool.DestroyAll(ctx)

	if pool.ActiveCount() != 0 {
		t.Errorf("expected empty pool, got %d", pool.ActiveCount())
	}
	if len(factory.closed) != 3 {
		t.Errorf("expected 3 sessions closed, got %d", len(factory.closed))
	}
}
