// Package runstatus names the user-visible connection states surfaced by
// the session lifecycle.
package runstatus

import "strings"

const (
	Connected        = "Connected"
	Reconnecting     = "Reconnecting"
	Disconnected     = "Disconnected"
	DisconnectedAuth = "Disconnected (auth)"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
