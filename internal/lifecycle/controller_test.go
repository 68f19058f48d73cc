package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakePump struct {
	id string

	mu      sync.Mutex
	drained bool
	forced  bool
	done    chan struct{}
	once    sync.Once
}

func newFakePump(id string) *fakePump {
	return &fakePump{id: id, done: make(chan struct{})}
}

func (f *fakePump) ID() string { return f.id }

func (f *fakePump) Drain() {
	f.mu.Lock()
	f.drained = true
	f.mu.Unlock()
}

func (f *fakePump) ForceClose() {
	f.mu.Lock()
	f.forced = true
	f.mu.Unlock()
	f.close()
}

func (f *fakePump) close() { f.once.Do(func() { close(f.done) }) }

func (f *fakePump) Done() <-chan struct{} { return f.done }

func (f *fakePump) wasDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

func (f *fakePump) wasForced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

func TestController_States(t *testing.T) {
	c := NewController(50*time.Millisecond, zap.NewNop())
	if c.State() != StateRunning || !c.Accepting() {
		t.Fatalf("new controller: state = %q, accepting = %v", c.State(), c.Accepting())
	}
	c.BeginDrain()
	if c.State() != StateDraining {
		t.Errorf("state = %q, want draining", c.State())
	}
	if c.Accepting() {
		t.Error("accepting during drain, want rejected")
	}
	c.Shutdown(context.Background())
	if c.State() != StateStopped {
		t.Errorf("state = %q, want stopped", c.State())
	}
}

func TestController_DrainAsksPumpsToFinish(t *testing.T) {
	c := NewController(5*time.Second, zap.NewNop())
	p := newFakePump("s1")
	c.Track(p)
	c.BeginDrain()
	if !p.wasDrained() {
		t.Error("pump not asked to drain")
	}
	if p.wasForced() {
		t.Error("pump forced during drain, want graceful")
	}
}

func TestController_CleanCloseBeforeGrace(t *testing.T) {
	c := NewController(5*time.Second, zap.NewNop())
	p := newFakePump("s1")
	untrack := c.Track(p)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.close() // session finishes on its own
		untrack()
	}()

	start := time.Now()
	c.Shutdown(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v, want prompt return after clean close", elapsed)
	}
	if p.wasForced() {
		t.Error("cleanly closed pump was force closed")
	}
}

func TestController_ForceCloseAtGraceExpiry(t *testing.T) {
	c := NewController(100*time.Millisecond, zap.NewNop())
	p := newFakePump("stuck")
	c.Track(p)

	c.Shutdown(context.Background())
	if !p.wasForced() {
		t.Error("stuck pump not force closed at grace expiry")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %q, want stopped", c.State())
	}
}

func TestController_ShutdownWithNoSessions(t *testing.T) {
	c := NewController(5*time.Second, zap.NewNop())
	start := time.Now()
	c.Shutdown(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("empty shutdown took %v, want immediate", elapsed)
	}
}

func TestController_UntrackIdempotent(t *testing.T) {
	c := NewController(time.Second, zap.NewNop())
	p := newFakePump("s1")
	untrack := c.Track(p)
	untrack()
	untrack() // повторный вызов не должен паниковать или ломать счёт
	c.Shutdown(context.Background())
}
