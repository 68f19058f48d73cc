package sideband

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/config"
	"github.com/psds-microservice/realtime-relay/internal/errs"
	"github.com/psds-microservice/realtime-relay/internal/lifecycle"
	"github.com/psds-microservice/realtime-relay/internal/relay"
	"github.com/psds-microservice/realtime-relay/internal/upstream"
)

// upstreamFake serves the ephemeral key endpoint, the offer exchange and
// the control WebSocket behind a single httptest server.
type upstreamFake struct {
	ts       *httptest.Server
	received chan []byte
	dialed   chan string // call_id query of each control dial
}

func newUpstreamFake(t *testing.T) *upstreamFake {
	t.Helper()
	f := &upstreamFake{
		received: make(chan []byte, 16),
		dialed:   make(chan string, 4),
	}
	up := websocket.Upgrader{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/openai/v1/realtime/client_secrets":
			w.Write([]byte(`{"value":"ek_test"}`))
		case r.URL.Path == "/openai/v1/realtime/calls":
			w.Header().Set("Location", "/openai/v1/realtime/calls/call_reg1")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("v=0 answer"))
		case strings.HasPrefix(r.URL.Path, "/openai/v1/realtime"):
			f.dialed <- r.URL.Query().Get("call_id")
			conn, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.received <- data
			}
		default:
			t.Errorf("unexpected upstream path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.ts.Close)
	return f
}

func newTestRegistry(t *testing.T, idle time.Duration) (*Registry, *upstreamFake) {
	t.Helper()
	fake := newUpstreamFake(t)
	cfg := &config.Config{ConnectTimeout: 2 * time.Second}
	cfg.Upstream.Endpoint = fake.ts.URL
	cfg.Upstream.Deployment = "gpt-4o-realtime"
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.APIVersion = config.DefaultAPIVersion
	cfg.Upstream.HTTPTimeout = 2 * time.Second

	conn := upstream.NewConnector(cfg, zap.NewNop())
	ctrl := lifecycle.NewController(5*time.Second, zap.NewNop())
	pumpCfg := relay.PumpConfig{
		HeartbeatInterval: 100 * time.Millisecond,
		PongTimeout:       5 * time.Second,
		ConnectTimeout:    2 * time.Second,
		WriteTimeout:      2 * time.Second,
		MaxMessageSize:    1 << 20,
		MalformedLimit:    5,
	}
	return NewRegistry(conn, ctrl, pumpCfg, idle, zap.NewNop()), fake
}

func TestRegistry_CreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	snap := reg.Create()
	if !strings.HasPrefix(snap.SessionID, "sb_") {
		t.Errorf("session id = %q, want sb_ prefix", snap.SessionID)
	}
	if snap.CallID != "" || snap.PeerMedia || snap.ControlChannel {
		t.Errorf("fresh session = %+v, want no call id and no connections", snap)
	}

	got, err := reg.Get(snap.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != snap.SessionID {
		t.Errorf("Get id = %q, want %q", got.SessionID, snap.SessionID)
	}
	if _, err := reg.Get("sb_missing"); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("Get unknown err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	reg.Create()
	reg.Create()
	if got := len(reg.List()); got != 2 {
		t.Errorf("List len = %d, want 2", got)
	}
}

func TestRegistry_PrecheckBeforeOffer(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	snap := reg.Create()
	if err := reg.Precheck(snap.SessionID); !errors.Is(err, errs.ErrSessionNotReady) {
		t.Errorf("Precheck before offer = %v, want ErrSessionNotReady", err)
	}
	if err := reg.Precheck("sb_missing"); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("Precheck unknown = %v, want ErrSessionNotFound", err)
	}
	// Кандидат не должен менять флаги сессии.
	got, _ := reg.Get(snap.SessionID)
	if got.ControlChannel {
		t.Error("Precheck mutated control flag")
	}
}

func TestRegistry_ExchangeOfferRecordsCallID(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	snap := reg.Create()

	answer, callID, err := reg.ExchangeOffer(context.Background(), snap.SessionID, "v=0 offer")
	if err != nil {
		t.Fatalf("ExchangeOffer: %v", err)
	}
	if answer != "v=0 answer" || callID != "call_reg1" {
		t.Errorf("ExchangeOffer = (%q, %q), want (v=0 answer, call_reg1)", answer, callID)
	}

	got, _ := reg.Get(snap.SessionID)
	if got.CallID != "call_reg1" || !got.PeerMedia {
		t.Errorf("session after offer = %+v, want call id and peer media set", got)
	}
	if id, ok := reg.ResolveCallID("call_reg1"); !ok || id != snap.SessionID {
		t.Errorf("ResolveCallID = (%q, %v), want (%q, true)", id, ok, snap.SessionID)
	}
}

func TestRegistry_ExchangeOfferUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	_, _, err := reg.ExchangeOffer(context.Background(), "sb_missing", "v=0 offer")
	if !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_AttachPumpsControlChannel(t *testing.T) {
	reg, fake := newTestRegistry(t, time.Minute)
	snap := reg.Create()
	if _, _, err := reg.ExchangeOffer(context.Background(), snap.SessionID, "v=0 offer"); err != nil {
		t.Fatalf("ExchangeOffer: %v", err)
	}

	attachErr := make(chan error, 1)
	up := websocket.Upgrader{}
	ctrlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		attachErr <- reg.Attach(r.Context(), snap.SessionID, conn)
	}))
	defer ctrlSrv.Close()

	u := "ws" + strings.TrimPrefix(ctrlSrv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer client.Close()

	// The first frame is the greeting with the session identity.
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	var greeting map[string]string
	if err := client.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting["type"] != "sideband.connected" ||
		greeting["session_id"] != snap.SessionID ||
		greeting["call_id"] != "call_reg1" {
		t.Errorf("greeting = %v, want sideband.connected for %s/call_reg1", greeting, snap.SessionID)
	}

	// The upstream dial must carry the call id.
	select {
	case callID := <-fake.dialed:
		if callID != "call_reg1" {
			t.Errorf("control dial call_id = %q, want call_reg1", callID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("registry never dialed the upstream control channel")
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	select {
	case got := <-fake.received:
		if string(got) != `{"type":"response.create"}` {
			t.Errorf("upstream got %q, want the frame unchanged", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("control event never reached upstream")
	}

	waitSnapshot(t, reg, snap.SessionID, func(s bool) bool { return s }, "control attached")
	if err := reg.Precheck(snap.SessionID); !errors.Is(err, errs.ErrAlreadyAttached) {
		t.Errorf("Precheck while attached = %v, want ErrAlreadyAttached", err)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	client.Close()

	select {
	case err := <-attachErr:
		if err != nil {
			t.Errorf("Attach returned %v, want nil on clean close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Attach did not return after client close")
	}

	got, err := reg.Get(snap.SessionID)
	if err != nil {
		t.Fatalf("Get after detach: %v", err)
	}
	if got.ControlChannel {
		t.Error("control flag still set after detach")
	}
	if got.EventsToUpstream != 1 {
		t.Errorf("events_to_upstream = %d, want 1 folded into totals", got.EventsToUpstream)
	}
}

func TestRegistry_AttachWithoutOffer(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	snap := reg.Create()
	err := reg.Attach(context.Background(), snap.SessionID, nil)
	if !errors.Is(err, errs.ErrSessionNotReady) {
		t.Errorf("Attach before offer = %v, want ErrSessionNotReady", err)
	}
}

func TestRegistry_Teardown(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	snap := reg.Create()
	if _, _, err := reg.ExchangeOffer(context.Background(), snap.SessionID, "v=0 offer"); err != nil {
		t.Fatalf("ExchangeOffer: %v", err)
	}

	if err := reg.Teardown(snap.SessionID); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := reg.Get(snap.SessionID); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("Get after teardown = %v, want ErrSessionNotFound", err)
	}
	if _, ok := reg.ResolveCallID("call_reg1"); ok {
		t.Error("call id still resolvable after teardown")
	}
	if err := reg.Teardown(snap.SessionID); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("second Teardown = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_ReapIdleSessions(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	idle := reg.Create()
	busy := reg.Create()
	if _, _, err := reg.ExchangeOffer(context.Background(), busy.SessionID, "v=0 offer"); err != nil {
		t.Fatalf("ExchangeOffer: %v", err)
	}
	if _, err := reg.claim(busy.SessionID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reg.reap(time.Now().Add(time.Second))

	if _, err := reg.Get(idle.SessionID); !errors.Is(err, errs.ErrSessionNotFound) {
		t.Errorf("idle session survived the reaper, err = %v", err)
	}
	if _, err := reg.Get(busy.SessionID); err != nil {
		t.Errorf("attached session reaped, err = %v", err)
	}
}

func waitSnapshot(t *testing.T, reg *Registry, id string, ok func(control bool) bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := reg.Get(id)
		if err == nil && ok(snap.ControlChannel) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state: %s", id, what)
}
