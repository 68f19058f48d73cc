package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the process lifecycle state.
type State string

const (
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Pump is a drainable session pump (direct relay or sideband control).
type Pump interface {
	ID() string
	Drain()
	ForceClose()
	Done() <-chan struct{}
}

// Controller owns the RUNNING→DRAINING→STOPPED transition: on drain it
// stops new accepts, asks active pumps to finish, and force-closes
// whatever is still open when the grace window elapses.
type Controller struct {
	grace time.Duration
	log   *zap.Logger

	mu      sync.Mutex
	state   State
	pumps   map[Pump]struct{}
	drained chan struct{} // closed when the pump set empties during drain
}

// NewController creates a controller in RUNNING.
func NewController(grace time.Duration, log *zap.Logger) *Controller {
	return &Controller{
		grace:   grace,
		log:     log,
		state:   StateRunning,
		pumps:   make(map[Pump]struct{}),
		drained: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepting reports whether new sessions may be accepted.
func (c *Controller) Accepting() bool {
	return c.State() == StateRunning
}

// Track registers an active pump and returns its untrack function.
func (c *Controller) Track(p Pump) func() {
	c.mu.Lock()
	c.pumps[p] = struct{}{}
	active := len(c.pumps)
	c.mu.Unlock()
	c.log.Debug("pump tracked", zap.String("session_id", p.ID()), zap.Int("active", active))

	var once sync.Once
	return func() {
		once.Do(func() { c.untrack(p) })
	}
}

func (c *Controller) untrack(p Pump) {
	c.mu.Lock()
	delete(c.pumps, p)
	remaining := len(c.pumps)
	draining := c.state == StateDraining
	if draining && remaining == 0 {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
	c.mu.Unlock()
	if draining {
		c.log.Info("session finished during drain",
			zap.String("session_id", p.ID()),
			zap.String("close", "clean"),
			zap.Int("remaining", remaining))
	}
}

// BeginDrain flips the process into DRAINING and asks every active pump
// to close gracefully. Idempotent.
func (c *Controller) BeginDrain() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	pumps := make([]Pump, 0, len(c.pumps))
	for p := range c.pumps {
		pumps = append(pumps, p)
	}
	if len(pumps) == 0 {
		close(c.drained)
	}
	c.mu.Unlock()

	c.log.Info("lifecycle transition", zap.String("state", string(StateDraining)), zap.Int("active", len(pumps)))
	for _, p := range pumps {
		p.Drain()
	}
}

// Shutdown drains, waits up to the grace window, force-closes the rest
// and transitions to STOPPED.
func (c *Controller) Shutdown(ctx context.Context) {
	c.BeginDrain()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-c.drained:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	remaining := make([]Pump, 0, len(c.pumps))
	for p := range c.pumps {
		remaining = append(remaining, p)
	}
	c.state = StateStopped
	c.mu.Unlock()

	for _, p := range remaining {
		c.log.Warn("session force closed at grace expiry",
			zap.String("session_id", p.ID()),
			zap.String("close", "forced"))
		p.ForceClose()
		<-p.Done()
	}
	c.log.Info("lifecycle transition", zap.String("state", string(StateStopped)), zap.Int("forced", len(remaining)))
}
