package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"studio-sync/internal/logging"
	"studio-sync/internal/runstatus"
	"studio-sync/internal/wire"
)

// wsHarness is a minimal realtime server: it acknowledges subscribe and
// unsubscribe frames, answers pings, and lets tests push arbitrary frames
// or kill the link.
type wsHarness struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// Set before the first dial: gate holds each upgrade until closed,
	// unsubAckDelay postpones the unsubscribed ack.
	gate          chan struct{}
	unsubAckDelay time.Duration

	dials   atomic.Int32
	frames  chan wire.Envelope
	queries chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{
		t:       t,
		frames:  make(chan wire.Envelope, 64),
		queries: make(chan string, 8),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) handle(w http.ResponseWriter, r *http.Request) {
	h.dials.Add(1)
	select {
	case h.queries <- r.URL.Query().Get("channels"):
	default:
	}
	if h.gate != nil {
		<-h.gate
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.ParseEnvelope(data)
		if err != nil {
			continue
		}
		select {
		case h.frames <- env:
		default:
		}
		switch env.Type {
		case wire.KindSubscribe:
			for _, ch := range env.Chans {
				h.push(conn, map[string]any{"type": "subscribed", "channel": ch})
			}
		case wire.KindUnsubscribe:
			ack := map[string]any{"type": "unsubscribed", "channel": env.Channel}
			if h.unsubAckDelay > 0 {
				time.AfterFunc(h.unsubAckDelay, func() { h.push(conn, ack) })
			} else {
				h.push(conn, ack)
			}
		case wire.KindPing:
			h.push(conn, map[string]any{"type": "pong"})
		}
	}
}

func (h *wsHarness) push(conn *websocket.Conn, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = conn.WriteJSON(v)
}

func (h *wsHarness) latestConn() *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

// pushLatest sends a frame on the most recent connection.
func (h *wsHarness) pushLatest(v any) {
	conn := h.latestConn()
	if conn == nil {
		h.t.Fatalf("no server connection to push on")
	}
	h.push(conn, v)
}

// dropLatest kills the most recent connection without a close handshake.
func (h *wsHarness) dropLatest() {
	conn := h.latestConn()
	if conn == nil {
		h.t.Fatalf("no server connection to drop")
	}
	_ = conn.Close()
}

func (h *wsHarness) waitFrame(kind wire.Kind, timeout time.Duration) wire.Envelope {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-h.frames:
			if env.Type == kind {
				return env
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q frame", kind)
		}
	}
}

// waitSubscribeFor discards frames until a subscribe carrying the channel
// arrives.
func (h *wsHarness) waitSubscribeFor(channel string, timeout time.Duration) {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-h.frames:
			if env.Type != wire.KindSubscribe {
				continue
			}
			for _, ch := range env.Chans {
				if ch == channel {
					return
				}
			}
		case <-deadline:
			h.t.Fatalf("no subscribe frame carried %q", channel)
		}
	}
}

func (h *wsHarness) waitDials(n int32, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for h.dials.Load() < n {
		if time.Now().After(deadline) {
			h.t.Fatalf("dials = %d, want at least %d", h.dials.Load(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testSettings() Settings {
	return Settings{
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Minute,
		WriteTimeout:      time.Second,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		MaxReconnects:     5,
		SendBuffer:        16,
	}
}

func newTestManager(h *wsHarness, hooks Hooks) *Manager {
	return NewManager(h.url(), "test-token", logging.New(false), nil, testSettings(), hooks)
}

func waitCond(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	ctx := context.Background()
	if err := m.Connect(ctx, "workspace:ws-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect(ctx, "workspace:ws-1"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if got := h.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if m.State() != StateOpen {
		t.Fatalf("state = %v, want open", m.State())
	}
}

func TestConcurrentConnectSharesOneHandshake(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), "workspace:ws-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: Connect failed: %v", i, err)
		}
	}
	if got := h.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	// The server never completes the websocket upgrade.
	stall := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stall) })

	settings := testSettings()
	settings.HandshakeTimeout = 50 * time.Millisecond
	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http"), "", logging.New(false), nil, settings, Hooks{})

	err := m.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected handshake timeout")
	}
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("state = %v, want closed after failed handshake", m.State())
	}
}

// A caller that arrives while the handshake is still in flight pins its
// channels into the desired set; those channels must end up subscribed on
// the transport once the shared handshake completes.
func TestConnectDuringHandshakeSubscribesItsChannels(t *testing.T) {
	h := newHarness(t)
	h.gate = make(chan struct{})
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), "workspace:ws-1") }()
	h.waitDials(1, 2*time.Second)

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background(), "execution:e1") }()
	waitCond(t, time.Second, "second caller to pin its channel", func() bool {
		for _, name := range m.SubscribedChannels() {
			if name == "execution:e1" {
				return true
			}
		}
		return false
	})

	close(h.gate)
	if err := <-first; err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if got := h.dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want the callers to share one handshake", got)
	}
	h.waitSubscribeFor("execution:e1", time.Second)
}

// Re-acquiring a channel between the unsubscribe send and the server's ack
// must leave the holder with a live server-side subscription once the ack
// lands.
func TestReacquireDuringUnsubscribeWindow(t *testing.T) {
	h := newHarness(t)
	h.unsubAckDelay = 150 * time.Millisecond
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	ctx := context.Background()
	rel1, err := m.Acquire(ctx, "execution:e1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	h.waitSubscribeFor("execution:e1", time.Second)
	waitCond(t, time.Second, "subscription confirmation", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		st := m.channels["execution:e1"]
		return st != nil && st.confirmed
	})

	rel1()
	h.waitFrame(wire.KindUnsubscribe, time.Second)

	rel2, err := m.Acquire(ctx, "execution:e1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	defer rel2()

	// Once the delayed ack arrives, the still-wanted channel must be
	// subscribed again and reconfirmed.
	h.waitSubscribeFor("execution:e1", time.Second)
	waitCond(t, time.Second, "renewed confirmation", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		st := m.channels["execution:e1"]
		return st != nil && st.confirmed && st.refs == 1
	})
}

func TestConnectAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var statusMu sync.Mutex
	lastStatus := ""
	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http"), "stale", logging.New(false), nil, testSettings(), Hooks{
		OnStatus: func(s string) {
			statusMu.Lock()
			lastStatus = s
			statusMu.Unlock()
		},
	})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
	statusMu.Lock()
	got := lastStatus
	statusMu.Unlock()
	if got != runstatus.DisconnectedAuth {
		t.Fatalf("status = %q, want %q", got, runstatus.DisconnectedAuth)
	}
}

func TestSubscribeBufferedUntilConnect(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	m.Subscribe("execution:e1")
	if got := h.dials.Load(); got != 0 {
		t.Fatalf("Subscribe must not dial, dials = %d", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	query := <-h.queries
	if !strings.Contains(query, "execution:e1") {
		t.Fatalf("dial query = %q, want buffered channel", query)
	}
	h.waitFrame(wire.KindSubscribe, time.Second)
}

func TestExecutionStatusDispatchAndCancel(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	events := make(chan wire.ExecutionStatusEvent, 4)
	cancel := m.OnExecutionStatus("exec-1", func(ev wire.ExecutionStatusEvent) {
		events <- ev
	})

	// An unknown frame kind must not disturb delivery.
	h.pushLatest(map[string]any{"type": "mystery"})
	h.pushLatest(map[string]any{
		"type": "execution_status", "executionId": "exec-1",
		"status": "running",
	})

	select {
	case ev := <-events:
		if ev.ExecutionID != "exec-1" || ev.Status != "running" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for execution event")
	}

	cancel()
	h.pushLatest(map[string]any{
		"type": "execution_status", "executionId": "exec-1",
		"status": "completed", "done": true,
	})
	select {
	case ev := <-events:
		t.Fatalf("event delivered after cancel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectResubscribesHeldChannels(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "workspace:ws-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-h.queries
	h.waitFrame(wire.KindSubscribe, time.Second)

	h.dropLatest()
	h.waitDials(2, 2*time.Second)

	query := <-h.queries
	if !strings.Contains(query, "workspace:ws-1") {
		t.Fatalf("reconnect dial query = %q, want held channel", query)
	}
	h.waitFrame(wire.KindSubscribe, time.Second)
	waitCond(t, time.Second, "state open after reconnect", func() bool {
		return m.State() == StateOpen
	})
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	h := newHarness(t)
	var statusMu sync.Mutex
	lastStatus := ""
	m := newTestManager(h, Hooks{OnStatus: func(s string) {
		statusMu.Lock()
		lastStatus = s
		statusMu.Unlock()
	}})

	if err := m.Connect(context.Background(), "workspace:ws-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()

	waitCond(t, time.Second, "closed state", func() bool {
		return m.State() == StateClosed
	})
	// Give a would-be reconnect loop time to fire.
	time.Sleep(100 * time.Millisecond)
	if got := h.dials.Load(); got != 1 {
		t.Fatalf("dials = %d after manual disconnect, want 1", got)
	}
	statusMu.Lock()
	got := lastStatus
	statusMu.Unlock()
	if got != runstatus.Disconnected {
		t.Fatalf("last status = %q, want %q", got, runstatus.Disconnected)
	}
}

func TestAcquireReleaseRefCounting(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(h, Hooks{})
	defer m.Disconnect()

	ctx := context.Background()
	rel1, err := m.Acquire(ctx, "execution:e1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	h.waitFrame(wire.KindSubscribe, time.Second)

	rel2, err := m.Acquire(ctx, "execution:e1")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	rel1()
	select {
	case env := <-h.frames:
		if env.Type == wire.KindUnsubscribe {
			t.Fatalf("unsubscribe sent while a reference is still held")
		}
	case <-time.After(100 * time.Millisecond):
	}

	rel2()
	env := h.waitFrame(wire.KindUnsubscribe, time.Second)
	if env.Channel != "execution:e1" {
		t.Fatalf("unsubscribe channel = %q", env.Channel)
	}

	// Releasing again is a no-op.
	rel2()
	rel1()
	select {
	case env := <-h.frames:
		if env.Type == wire.KindUnsubscribe {
			t.Fatalf("double release sent another unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}

	waitCond(t, time.Second, "channel bookkeeping removal", func() bool {
		for _, name := range m.SubscribedChannels() {
			if name == "execution:e1" {
				return false
			}
		}
		return true
	})
}
