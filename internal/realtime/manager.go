// Package realtime owns the single websocket connection to the studio
// server and presents "subscribe to channel X, receive typed events" as a
// connection-state-agnostic API. Channel interest is reference counted and
// survives reconnects; consumers never touch the socket directly.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"studio-sync/internal/logging"
	"studio-sync/internal/runstatus"
	"studio-sync/internal/wire"
)

var (
	ErrHandshakeTimeout = errors.New("realtime handshake timed out")
	ErrClosed           = errors.New("realtime connection closed")
	ErrAuthRejected     = errors.New("realtime authentication rejected")
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Settings struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     uint
	SendBuffer        int
}

func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectInitial:  1 * time.Second,
		ReconnectMax:      30 * time.Second,
		MaxReconnects:     10,
		SendBuffer:        16,
	}
}

type Hooks struct {
	OnStatus func(status string)
}

// Manager multiplexes one websocket across all realtime consumers. One
// instance lives for the whole application; construct it explicitly and
// pass it to the components that need channel delivery.
type Manager struct {
	url      string
	token    string
	logger   *logging.Logger
	clock    clockwork.Clock
	settings Settings
	hooks    Hooks

	mu           sync.Mutex
	state        State
	sess         *session
	pending      *pendingConnect
	channels     map[string]*channelState
	execHandlers map[string]map[int]func(wire.ExecutionStatusEvent)
	nextHandler  int
	manualClose  bool
	reconnecting bool
}

// channelState tracks one logical subscription multiplexed over the
// connection. The transport subscription exists iff refs > 0 or the
// channel was pinned by Connect/Subscribe.
type channelState struct {
	refs      int
	pinned    bool
	confirmed bool
	unsubSent bool
}

type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

type pendingConnect struct {
	done chan struct{}
	err  error
}

func NewManager(rawURL, token string, logger *logging.Logger, clock clockwork.Clock, settings Settings, hooks Hooks) *Manager {
	if logger == nil {
		panic("realtime.NewManager: logger must not be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = DefaultSettings().HandshakeTimeout
	}
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = DefaultSettings().HeartbeatInterval
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}
	if settings.ReconnectInitial <= 0 {
		settings.ReconnectInitial = DefaultSettings().ReconnectInitial
	}
	if settings.ReconnectMax <= 0 {
		settings.ReconnectMax = DefaultSettings().ReconnectMax
	}
	if settings.MaxReconnects == 0 {
		settings.MaxReconnects = DefaultSettings().MaxReconnects
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = DefaultSettings().SendBuffer
	}
	return &Manager{
		url:          rawURL,
		token:        token,
		logger:       logger,
		clock:        clock,
		settings:     settings,
		hooks:        hooks,
		channels:     map[string]*channelState{},
		execHandlers: map[string]map[int]func(wire.ExecutionStatusEvent){},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect ensures the transport is open and subscribes the given channels.
// It is idempotent: when already open it only tops up the channel set, and
// concurrent callers share a single in-flight handshake.
func (m *Manager) Connect(ctx context.Context, channels ...string) error {
	m.mu.Lock()
	m.manualClose = false
	var topUp []string
	for _, name := range channels {
		st := m.channelLocked(name)
		st.pinned = true
		if m.state == StateOpen && !st.confirmed {
			topUp = append(topUp, name)
		}
	}

	switch m.state {
	case StateOpen:
		sess := m.sess
		m.mu.Unlock()
		if len(topUp) > 0 {
			return m.queueSubscribe(sess, topUp)
		}
		return nil

	case StateConnecting:
		pending := m.pending
		m.mu.Unlock()
		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		pending := &pendingConnect{done: make(chan struct{})}
		m.pending = pending
		m.state = StateConnecting
		m.mu.Unlock()

		err := m.establish(ctx)

		m.mu.Lock()
		if err != nil && m.state == StateConnecting {
			m.state = StateClosed
		}
		pending.err = err
		m.pending = nil
		close(pending.done)
		m.mu.Unlock()
		return err
	}
}

// Disconnect performs a normal closure and suppresses reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	deadline := time.Now().Add(m.settings.WriteTimeout)
	_ = sess.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	_ = sess.conn.Close()
}

// establish performs the full handshake: dial with the currently desired
// channel set as connection parameters, start the pumps, then replay any
// subscriptions that were requested while the transport was down.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	desired := m.desiredLocked()
	m.mu.Unlock()

	target, err := m.dialURL(desired)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: m.settings.HandshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, m.settings.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	conn, resp, err := dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.setStatus(runstatus.DisconnectedAuth)
			return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		if dialCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return fmt.Errorf("realtime handshake: %w", err)
	}

	sess := &session{
		conn: conn,
		send: make(chan []byte, m.settings.SendBuffer),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.sess = sess
	m.state = StateOpen
	for _, st := range m.channels {
		st.confirmed = false
		st.unsubSent = false
	}
	// Channels pinned while the dial was in flight are missing from the
	// connection parameters; re-reading the desired set under the same
	// lock that opens the state closes that window, since any later pin
	// sees StateOpen and sends its own subscribe.
	desired = m.desiredLocked()
	m.mu.Unlock()

	go m.writeLoop(sess)
	go m.readLoop(sess)

	if len(desired) > 0 {
		if err := m.queueSubscribe(sess, desired); err != nil {
			m.logger.Warn("failed to replay channel subscriptions", logging.Field("error", err))
		}
	}
	m.logger.Info("realtime connected", logging.Field("channels", len(desired)))
	m.setStatus(runstatus.Connected)
	return nil
}

func (m *Manager) dialURL(channels []string) (string, error) {
	parsed, err := url.Parse(m.url)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	if len(channels) > 0 {
		q := parsed.Query()
		q.Set("channels", strings.Join(channels, ","))
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func (m *Manager) channelLocked(name string) *channelState {
	st, ok := m.channels[name]
	if !ok {
		st = &channelState{}
		m.channels[name] = st
	}
	return st
}

func (m *Manager) desiredLocked() []string {
	names := make([]string, 0, len(m.channels))
	for name, st := range m.channels {
		if st.pinned || st.refs > 0 {
			names = append(names, name)
		}
	}
	return names
}

func (m *Manager) setStatus(status string) {
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(status)
	}
}
