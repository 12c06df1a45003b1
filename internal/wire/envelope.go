// Package wire defines the realtime JSON envelope vocabulary shared by the
// connection manager and its consumers. All payload normalization lives
// here so listeners never see raw protocol shapes.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the `type` discriminator carried by every realtime envelope.
type Kind string

const (
	KindSubscribe       Kind = "subscribe"
	KindUnsubscribe     Kind = "unsubscribe"
	KindSubscribed      Kind = "subscribed"
	KindUnsubscribed    Kind = "unsubscribed"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindExecutionStatus Kind = "execution_status"
)

// Envelope is the decoded frame header. Raw keeps the full frame so
// kind-specific payloads can be decoded after dispatch on Type.
type Envelope struct {
	Type    Kind     `json:"type"`
	Channel string   `json:"channel,omitempty"`
	Chans   []string `json:"channels,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed realtime frame: %w", err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, fmt.Errorf("realtime frame is missing a type")
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

func EncodeSubscribe(channels []string) ([]byte, error) {
	return json.Marshal(Envelope{Type: KindSubscribe, Chans: channels})
}

func EncodeUnsubscribe(channel string) ([]byte, error) {
	return json.Marshal(Envelope{Type: KindUnsubscribe, Channel: channel})
}

func EncodePing() ([]byte, error) {
	return json.Marshal(Envelope{Type: KindPing})
}

// ExecutionChannel names the realtime channel carrying one job's lifecycle.
// Channel families follow the `{domain}:{id}` convention.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}
