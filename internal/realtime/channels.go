package realtime

import (
	"context"
	"fmt"
	"sync"

	"studio-sync/internal/logging"
	"studio-sync/internal/wire"
)

// Subscribe records interest in a channel. If the transport is not open the
// request is buffered and replayed once it opens; the channel stays in the
// desired set across reconnects until Unsubscribe.
func (m *Manager) Subscribe(channel string) {
	m.mu.Lock()
	st := m.channelLocked(channel)
	st.pinned = true
	sess := m.sess
	open := m.state == StateOpen
	confirmed := st.confirmed
	m.mu.Unlock()

	if open && !confirmed {
		if err := m.queueSubscribe(sess, []string{channel}); err != nil {
			m.logger.Debug("subscribe send failed", logging.Field("channel", channel), logging.Field("error", err))
		}
	}
}

// Unsubscribe is fire-and-forget: local bookkeeping keeps the entry until
// the server acknowledges with an `unsubscribed` frame.
func (m *Manager) Unsubscribe(channel string) {
	m.mu.Lock()
	st, ok := m.channels[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.pinned = false
	if st.refs > 0 {
		// Live acquisitions still need the channel; it goes away when the
		// last one releases.
		m.mu.Unlock()
		return
	}
	sess := m.sess
	open := m.state == StateOpen
	if !open {
		delete(m.channels, channel)
		m.mu.Unlock()
		return
	}
	if st.unsubSent {
		m.mu.Unlock()
		return
	}
	st.unsubSent = true
	m.mu.Unlock()

	frame, err := wire.EncodeUnsubscribe(channel)
	if err != nil {
		return
	}
	m.queueFrame(sess, frame)
}

// Acquire takes a reference on a channel, connecting and subscribing as
// needed. The returned release is idempotent; the transport subscription is
// dropped when the last reference releases.
func (m *Manager) Acquire(ctx context.Context, channel string) (func(), error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	st := m.channelLocked(channel)
	st.refs++
	needSubscribe := !st.confirmed
	sess := m.sess
	open := m.state == StateOpen
	m.mu.Unlock()

	if open && needSubscribe {
		if err := m.queueSubscribe(sess, []string{channel}); err != nil {
			m.release(channel)
			return nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.release(channel)
		})
	}
	return release, nil
}

func (m *Manager) release(channel string) {
	m.mu.Lock()
	st, ok := m.channels[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if st.refs > 0 {
		st.refs--
	}
	if st.refs > 0 || st.pinned {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	open := m.state == StateOpen
	if !open {
		delete(m.channels, channel)
		m.mu.Unlock()
		return
	}
	if st.unsubSent {
		m.mu.Unlock()
		return
	}
	st.unsubSent = true
	m.mu.Unlock()

	frame, err := wire.EncodeUnsubscribe(channel)
	if err != nil {
		return
	}
	m.queueFrame(sess, frame)
}

// SubscribedChannels reports the channels currently wanted on the transport.
func (m *Manager) SubscribedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desiredLocked()
}

func (m *Manager) queueSubscribe(sess *session, channels []string) error {
	frame, err := wire.EncodeSubscribe(channels)
	if err != nil {
		return err
	}
	return m.queueFrame(sess, frame)
}

func (m *Manager) queueFrame(sess *session, frame []byte) error {
	if sess == nil {
		return ErrClosed
	}
	select {
	case sess.send <- frame:
		return nil
	case <-sess.done:
		return ErrClosed
	default:
		return fmt.Errorf("realtime send buffer full")
	}
}
