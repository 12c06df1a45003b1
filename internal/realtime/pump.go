package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"studio-sync/internal/logging"
	"studio-sync/internal/runstatus"
	"studio-sync/internal/wire"
)

var errManualClose = errors.New("manual disconnect")

// writeLoop serializes all outbound frames for one session and owns the
// heartbeat. The socket allows only one concurrent writer.
func (m *Manager) writeLoop(sess *session) {
	ticker := m.clock.NewTicker(m.settings.HeartbeatInterval)
	defer ticker.Stop()

	write := func(frame []byte) bool {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
		if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.logger.Debug("realtime write failed", logging.Field("error", err))
			_ = sess.conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.send:
			if !write(frame) {
				return
			}
		case <-ticker.Chan():
			ping, err := wire.EncodePing()
			if err != nil {
				continue
			}
			if !write(ping) {
				return
			}
		}
	}
}

// readLoop delivers inbound frames in receive order. Handlers for a frame
// run synchronously and exhaustively before the next frame is read.
func (m *Manager) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			m.sessionEnded(sess, err)
			return
		}
		env, parseErr := wire.ParseEnvelope(data)
		if parseErr != nil {
			m.logger.Debug("dropping realtime frame", logging.Field("error", parseErr))
			continue
		}
		m.handleFrame(env)
	}
}

func (m *Manager) sessionEnded(sess *session, cause error) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.state = StateClosed
	close(sess.done)
	_ = sess.conn.Close()
	for _, st := range m.channels {
		st.confirmed = false
		st.unsubSent = false
	}
	manual := m.manualClose
	shouldReconnect := !manual &&
		!websocket.IsCloseError(cause, websocket.CloseNormalClosure) &&
		!m.reconnecting &&
		len(m.desiredLocked()) > 0
	if shouldReconnect {
		m.reconnecting = true
	}
	m.mu.Unlock()

	if manual || websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		m.logger.Info("realtime disconnected")
		m.setStatus(runstatus.Disconnected)
		return
	}

	m.logger.Warn("realtime connection lost", logging.Field("error", cause))
	m.setStatus(runstatus.Reconnecting)
	if shouldReconnect {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries the handshake with exponential backoff, re-requesting
// the previously held channel set on each attempt. A manual disconnect stops
// it permanently.
func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = m.settings.ReconnectInitial
	retry.MaxInterval = m.settings.ReconnectMax
	retry.Reset()

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return struct{}{}, backoff.Permanent(errManualClose)
		}
		if m.state != StateClosed {
			m.mu.Unlock()
			return struct{}{}, nil
		}
		pending := &pendingConnect{done: make(chan struct{})}
		m.pending = pending
		m.state = StateConnecting
		m.mu.Unlock()

		err := m.establish(context.Background())

		m.mu.Lock()
		if err != nil && m.state == StateConnecting {
			m.state = StateClosed
		}
		pending.err = err
		m.pending = nil
		close(pending.done)
		m.mu.Unlock()

		if err != nil {
			m.logger.Debug("realtime reconnect attempt failed", logging.Field("error", err))
			if errors.Is(err, ErrAuthRejected) {
				// A stale token will not become valid by retrying.
				return struct{}{}, backoff.Permanent(err)
			}
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxTries(m.settings.MaxReconnects),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("retrying realtime connection",
				logging.Field("error", err),
				logging.Field("next_retry", next.String()),
			)
		}),
	)
	if err != nil && !errors.Is(err, errManualClose) {
		m.logger.Warn("realtime reconnection gave up", logging.Field("error", err))
		if !errors.Is(err, ErrAuthRejected) {
			m.setStatus(runstatus.Disconnected)
		}
	}
}
