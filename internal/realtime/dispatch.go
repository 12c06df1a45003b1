package realtime

import (
	"studio-sync/internal/logging"
	"studio-sync/internal/wire"
)

// OnExecutionStatus registers a callback for execution status events keyed
// by execution id. The returned cancel removes exactly that callback and
// prunes the key's set when it empties.
func (m *Manager) OnExecutionStatus(executionID string, fn func(wire.ExecutionStatusEvent)) func() {
	if fn == nil {
		panic("realtime.OnExecutionStatus: callback must not be nil")
	}
	m.mu.Lock()
	set, ok := m.execHandlers[executionID]
	if !ok {
		set = map[int]func(wire.ExecutionStatusEvent){}
		m.execHandlers[executionID] = set
	}
	id := m.nextHandler
	m.nextHandler++
	set[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if set, ok := m.execHandlers[executionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.execHandlers, executionID)
			}
		}
		m.mu.Unlock()
	}
}

// handleFrame dispatches one inbound envelope. Unknown types are ignored so
// newer servers can ship event kinds this client does not know yet.
func (m *Manager) handleFrame(env wire.Envelope) {
	switch env.Type {
	case wire.KindSubscribed:
		m.mu.Lock()
		if st, ok := m.channels[env.Channel]; ok {
			st.confirmed = true
		}
		m.mu.Unlock()
		m.logger.Debug("channel subscription confirmed", logging.Field("channel", env.Channel))

	case wire.KindUnsubscribed:
		m.mu.Lock()
		resubscribe := false
		if st, ok := m.channels[env.Channel]; ok {
			if st.refs == 0 && !st.pinned {
				delete(m.channels, env.Channel)
			} else {
				// Re-acquired between the unsubscribe send and this ack.
				// The server has dropped the channel, so the stale
				// confirmation must not suppress a fresh subscribe.
				st.confirmed = false
				st.unsubSent = false
				resubscribe = true
			}
		}
		sess := m.sess
		m.mu.Unlock()
		if resubscribe {
			if err := m.queueSubscribe(sess, []string{env.Channel}); err != nil {
				m.logger.Warn("failed to resubscribe re-acquired channel",
					logging.Field("channel", env.Channel),
					logging.Field("error", err),
				)
			}
			m.logger.Debug("resubscribing channel wanted again", logging.Field("channel", env.Channel))
		} else {
			m.logger.Debug("channel subscription removed", logging.Field("channel", env.Channel))
		}

	case wire.KindPong:
		m.logger.Debug("heartbeat acknowledged")

	case wire.KindExecutionStatus:
		event, err := wire.DecodeExecutionStatus(env.Raw)
		if err != nil {
			m.logger.Warn("dropping execution status event", logging.Field("error", err))
			return
		}
		m.dispatchExecutionStatus(event)

	default:
		m.logger.Debug("ignoring realtime frame", logging.Field("type", string(env.Type)))
	}
}

func (m *Manager) dispatchExecutionStatus(event wire.ExecutionStatusEvent) {
	m.mu.Lock()
	set := m.execHandlers[event.ExecutionID]
	handlers := make([]func(wire.ExecutionStatusEvent), 0, len(set))
	for _, fn := range set {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	// A late event for an already-removed execution id lands here with no
	// handlers and is a silent no-op.
	for _, fn := range handlers {
		fn(event)
	}
}
