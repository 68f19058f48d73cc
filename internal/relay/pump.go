package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/model"
)

// PumpConfig bounds the pump's timers and limits.
type PumpConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MalformedLimit    int
}

// DialFunc opens the upstream half of a pump.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// ErrMalformedLimit закрывает сессию после серии недекодируемых кадров.
var ErrMalformedLimit = errors.New("malformed input limit exceeded")

// Pump owns one client connection and one upstream connection and runs
// two forwarding loops joined on first failure, plus a keepalive timer.
type Pump struct {
	id     string
	client *websocket.Conn
	dial   DialFunc
	filter *Filter
	cfg    PumpConfig
	log    *zap.Logger

	createdAt time.Time

	mu       sync.Mutex
	state    model.RelayState
	upstream *websocket.Conn

	// Client writes come from the upstream loop and from rejection
	// envelopes in the client loop; gorilla allows one writer at a time.
	writeMu sync.Mutex

	eventsIn  atomic.Uint64 // client→upstream, forwarded only
	eventsOut atomic.Uint64 // upstream→client

	done      chan struct{}
	closeOnce sync.Once
}

// NewPump creates a pump for an accepted client connection. The upstream
// half is dialed in Run.
func NewPump(id string, client *websocket.Conn, dial DialFunc, cfg PumpConfig, log *zap.Logger) *Pump {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Pump{
		id:        id,
		client:    client,
		dial:      dial,
		filter:    NewFilter(cfg.MalformedLimit),
		cfg:       cfg,
		log:       log.With(zap.String("session_id", id)),
		createdAt: time.Now(),
		state:     model.RelayStateConnecting,
		done:      make(chan struct{}),
	}
}

func (p *Pump) ID() string           { return p.id }
func (p *Pump) CreatedAt() time.Time { return p.createdAt }
func (p *Pump) EventsIn() uint64     { return p.eventsIn.Load() }
func (p *Pump) EventsOut() uint64    { return p.eventsOut.Load() }

// Done is closed when the pump reaches CLOSED.
func (p *Pump) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Pump) State() model.RelayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run connects upstream and pumps until either side fails or closes.
// It blocks and always leaves the pump CLOSED with both halves closed.
func (p *Pump) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	up, err := p.dial(dialCtx)
	cancel()
	if err != nil {
		reason := "upstream_connect_failed"
		var ce interface{ Reason() string }
		if errors.As(err, &ce) {
			reason = ce.Reason()
		}
		p.log.Warn("upstream connect failed", zap.Error(err))
		p.teardown(websocket.CloseInternalServerErr, reason)
		return err
	}

	p.mu.Lock()
	p.upstream = up
	p.state = model.RelayStateActive
	p.mu.Unlock()
	p.log.Info("session active")

	if p.cfg.MaxMessageSize > 0 {
		p.client.SetReadLimit(p.cfg.MaxMessageSize)
	}
	_ = p.client.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
	p.client.SetPongHandler(func(string) error {
		return p.client.SetReadDeadline(time.Now().Add(p.cfg.PongTimeout))
	})

	errCh := make(chan error, 3)
	go p.clientToUpstream(errCh)
	go p.upstreamToClient(errCh)
	go p.heartbeat(errCh)

	err = <-errCh
	code, reason := closeCodeFor(err)
	p.teardown(code, reason)
	p.log.Info("session closed",
		zap.String("reason", reason),
		zap.Uint64("events_in", p.eventsIn.Load()),
		zap.Uint64("events_out", p.eventsOut.Load()))
	if errors.Is(err, errNormalClose) {
		return nil
	}
	return err
}

// Drain asks the client to finish: close frame is sent, connections stay
// open until the peer closes or the grace window forces the issue.
func (p *Pump) Drain() {
	p.mu.Lock()
	if p.state != model.RelayStateActive {
		p.mu.Unlock()
		return
	}
	p.state = model.RelayStateDraining
	p.mu.Unlock()
	p.log.Info("session draining")
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server_draining")
	_ = p.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteTimeout))
}

// ForceClose hard-closes both halves (drain grace elapsed).
func (p *Pump) ForceClose() {
	p.log.Warn("session force closed")
	p.teardown(websocket.CloseGoingAway, "drain_grace_elapsed")
}

// teardown closes both halves exactly once. Closing the sockets unblocks
// the other loop's pending read.
func (p *Pump) teardown(code int, reason string) {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = p.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteTimeout))
		_ = p.client.Close()
		p.mu.Lock()
		up := p.upstream
		p.state = model.RelayStateClosed
		p.mu.Unlock()
		if up != nil {
			_ = up.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.cfg.WriteTimeout))
			_ = up.Close()
		}
		close(p.done)
	})
}

var (
	errNormalClose    = errors.New("peer closed")
	errUpstreamStream = errors.New("upstream stream error")
)

func (p *Pump) clientToUpstream(errCh chan<- error) {
	for {
		mt, data, err := p.client.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				errCh <- errNormalClose
			} else {
				errCh <- fmt.Errorf("client read: %w", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		forward, rej, fatal := p.filter.Check(data)
		if rej != nil {
			if err := p.writeClientJSON(rej); err != nil {
				errCh <- fmt.Errorf("client write: %w", err)
				return
			}
			if fatal {
				errCh <- ErrMalformedLimit
				return
			}
			continue
		}
		if !forward {
			continue
		}
		up := p.upstreamConn()
		_ = up.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		if err := up.WriteMessage(mt, data); err != nil {
			errCh <- fmt.Errorf("upstream write: %w", err)
			return
		}
		p.eventsIn.Add(1)
	}
}

func (p *Pump) upstreamToClient(errCh chan<- error) {
	up := p.upstreamConn()
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				errCh <- errNormalClose
			} else {
				errCh <- fmt.Errorf("%w: %v", errUpstreamStream, err)
			}
			return
		}
		// Server events pass through verbatim, in order.
		if err := p.writeClient(mt, data); err != nil {
			errCh <- fmt.Errorf("client write: %w", err)
			return
		}
		p.eventsOut.Add(1)
	}
}

func (p *Pump) heartbeat(errCh chan<- error) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout))
			if err != nil {
				errCh <- fmt.Errorf("heartbeat: %w", err)
				return
			}
		}
	}
}

func (p *Pump) upstreamConn() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upstream
}

func (p *Pump) writeClient(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.client.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return p.client.WriteMessage(messageType, data)
}

func (p *Pump) writeClientJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.client.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return p.client.WriteJSON(v)
}

// closeCodeFor maps a pump failure to the application-level close sent
// to the client.
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, errNormalClose):
		return websocket.CloseNormalClosure, "session_closed"
	case errors.Is(err, ErrMalformedLimit):
		return websocket.CloseInvalidFramePayloadData, "malformed_input"
	case errors.Is(err, errUpstreamStream):
		return websocket.CloseInternalServerErr, "upstream_stream_error"
	default:
		return websocket.CloseInternalServerErr, "relay_error"
	}
}
