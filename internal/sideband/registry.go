package sideband

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/errs"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
	"github.com/psds-microservice/realtime-relay/internal/model"
	"github.com/psds-microservice/realtime-relay/internal/relay"
	"github.com/psds-microservice/realtime-relay/internal/upstream"
)

// session is the registry-owned record of one sideband conversation.
// All mutation goes through Registry methods under mu.
type session struct {
	id           string
	callID       string
	createdAt    time.Time
	lastActivity time.Time
	peerMedia    bool
	attached     bool // control claim held (dialing or pumping)

	// Totals accumulated from detached control pumps; a live pump's
	// counters are added on top in snapshots.
	eventsFromUpstream uint64
	eventsToUpstream   uint64
	pump               *relay.Pump
}

// Registry tracks sideband sessions: records created before the
// peer-to-peer negotiation, call ids learned from the offer exchange,
// and at most one control pump per session.
type Registry struct {
	connector *upstream.Connector
	ctrl      *lifecycle.Controller
	pumpCfg   relay.PumpConfig
	idle      time.Duration
	log       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	byCallID map[string]string // call id → session id
}

// NewRegistry creates an empty registry.
func NewRegistry(connector *upstream.Connector, ctrl *lifecycle.Controller, pumpCfg relay.PumpConfig, idle time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		connector: connector,
		ctrl:      ctrl,
		pumpCfg:   pumpCfg,
		idle:      idle,
		log:       log,
		sessions:  make(map[string]*session),
		byCallID:  make(map[string]string),
	}
}

// Create allocates a new record with no call id and no control channel.
// Identifiers are always server-generated.
func (r *Registry) Create() model.SidebandSnapshot {
	now := time.Now()
	s := &session{
		id:           "sb_" + uuid.New().String()[:16],
		createdAt:    now,
		lastActivity: now,
	}
	snap := snapshot(s)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.log.Info("sideband session created", zap.String("session_id", s.id))
	return snap
}

// IssueEphemeralKey obtains a short-lived upstream credential for the
// session. Session flags are not mutated.
func (r *Registry) IssueEphemeralKey(ctx context.Context, sessionID, voice, instructions string) (string, error) {
	if err := r.touch(sessionID); err != nil {
		return "", err
	}
	token, err := r.connector.IssueEphemeralKey(ctx, voice, instructions)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}
	return token, nil
}

// ExchangeOffer forwards the peer-to-peer offer upstream and records the
// call id returned with the answer.
func (r *Registry) ExchangeOffer(ctx context.Context, sessionID, sdpOffer string) (answer, callID string, err error) {
	if err := r.touch(sessionID); err != nil {
		return "", "", err
	}
	answer, callID, err = r.connector.ExchangeOffer(ctx, sdpOffer)
	if err != nil {
		return "", "", fmt.Errorf("session %s: %w", sessionID, err)
	}
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		if s.callID != "" {
			delete(r.byCallID, s.callID)
		}
		s.callID = callID
		s.peerMedia = true
		s.lastActivity = time.Now()
		r.byCallID[callID] = sessionID
	}
	r.mu.Unlock()
	if !ok {
		// Session torn down while the exchange was in flight.
		return "", "", errs.ErrSessionNotFound
	}
	r.log.Info("peer media negotiated",
		zap.String("session_id", sessionID),
		zap.String("call_id", callID))
	return answer, callID, nil
}

// ResolveCallID maps a known call id back to its session id.
func (r *Registry) ResolveCallID(callID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCallID[callID]
	return id, ok
}

// Precheck validates an attach request before the WebSocket upgrade so
// the handler can answer with a proper HTTP status.
func (r *Registry) Precheck(sessionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	switch {
	case !ok:
		return errs.ErrSessionNotFound
	case s.callID == "":
		return errs.ErrSessionNotReady
	case s.attached:
		return errs.ErrAlreadyAttached
	}
	return nil
}

// Attach binds an inbound control WebSocket to the session's upstream
// call and pumps until either side closes. It blocks for the lifetime of
// the control channel. At most one control channel is active per
// session; a concurrent attach fails with ErrAlreadyAttached.
func (r *Registry) Attach(ctx context.Context, sessionID string, control *websocket.Conn) error {
	callID, err := r.claim(sessionID)
	if err != nil {
		return err
	}

	greeting := map[string]string{
		"type":       "sideband.connected",
		"session_id": sessionID,
		"call_id":    callID,
		"variant":    string(r.connector.Variant()),
	}
	if err := control.WriteJSON(greeting); err != nil {
		r.release(sessionID, nil)
		return fmt.Errorf("control greeting: %w", err)
	}

	pump := relay.NewPump(sessionID, control,
		func(dialCtx context.Context) (*websocket.Conn, error) {
			return r.connector.DialControl(dialCtx, callID)
		},
		r.pumpCfg, r.log)

	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.pump = pump
		s.lastActivity = time.Now()
	}
	r.mu.Unlock()
	r.logSnapshot(sessionID, "control attached")

	untrack := r.ctrl.Track(pump)
	runErr := pump.Run(ctx)
	untrack()

	r.release(sessionID, pump)
	r.logSnapshot(sessionID, "control detached")
	return runErr
}

// claim reserves the control slot.
func (r *Registry) claim(sessionID string) (callID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	switch {
	case !ok:
		return "", errs.ErrSessionNotFound
	case s.callID == "":
		return "", errs.ErrSessionNotReady
	case s.attached:
		return "", errs.ErrAlreadyAttached
	}
	s.attached = true
	return s.callID, nil
}

// release drops the control claim and folds the pump's counters into the
// session totals.
func (r *Registry) release(sessionID string, pump *relay.Pump) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.attached = false
	s.pump = nil
	s.lastActivity = time.Now()
	if pump != nil {
		s.eventsToUpstream += pump.EventsIn()
		s.eventsFromUpstream += pump.EventsOut()
	}
}

// Teardown removes a session and retires its call id. An active control
// pump is force-closed.
func (r *Registry) Teardown(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errs.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	if s.callID != "" {
		delete(r.byCallID, s.callID)
	}
	pump := s.pump
	r.mu.Unlock()

	if pump != nil {
		pump.ForceClose()
	}
	r.log.Info("sideband session removed", zap.String("session_id", sessionID))
	return nil
}

// Get returns a read-only snapshot of one session.
func (r *Registry) Get(sessionID string) (model.SidebandSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return model.SidebandSnapshot{}, errs.ErrSessionNotFound
	}
	return snapshot(s), nil
}

// List returns snapshots of every registered session.
func (r *Registry) List() []model.SidebandSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SidebandSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	return out
}

// StartReaper drops sessions whose control channel is down and whose
// last activity is older than the idle timeout. Runs until ctx is done.
func (r *Registry) StartReaper(ctx context.Context) {
	if r.idle <= 0 {
		return
	}
	interval := r.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reap(time.Now())
			}
		}
	}()
}

func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	var dead []string
	for id, s := range r.sessions {
		if !s.attached && now.Sub(s.lastActivity) > r.idle {
			dead = append(dead, id)
			delete(r.sessions, id)
			if s.callID != "" {
				delete(r.byCallID, s.callID)
			}
		}
	}
	r.mu.Unlock()
	for _, id := range dead {
		r.log.Info("sideband session reaped", zap.String("session_id", id))
	}
}

func (r *Registry) touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	s.lastActivity = time.Now()
	return nil
}

func (r *Registry) logSnapshot(sessionID, event string) {
	snap, err := r.Get(sessionID)
	if err != nil {
		return
	}
	r.log.Info(event,
		zap.String("session_id", snap.SessionID),
		zap.String("call_id", snap.CallID),
		zap.Bool("peer_media_connected", snap.PeerMedia),
		zap.Bool("control_channel_connected", snap.ControlChannel),
		zap.Uint64("events_from_upstream", snap.EventsFromUpstream),
		zap.Uint64("events_to_upstream", snap.EventsToUpstream),
		zap.Time("created_at", snap.CreatedAt))
}

// snapshot is called with r.mu held, or with s not yet published.
func snapshot(s *session) model.SidebandSnapshot {
	snap := model.SidebandSnapshot{
		SessionID:          s.id,
		CallID:             s.callID,
		CreatedAt:          s.createdAt,
		LastActivity:       s.lastActivity,
		PeerMedia:          s.peerMedia,
		ControlChannel:     s.attached,
		EventsFromUpstream: s.eventsFromUpstream,
		EventsToUpstream:   s.eventsToUpstream,
	}
	if s.pump != nil {
		snap.EventsToUpstream += s.pump.EventsIn()
		snap.EventsFromUpstream += s.pump.EventsOut()
	}
	return snap
}
