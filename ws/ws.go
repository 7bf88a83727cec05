// Package ws adapts gorilla websocket sessions to the broker's Transport
// contract and handles the upgrade handshake.
package ws

import (
	"net/http"

	"github.com/colloquyhq/colloquy-live/broker"
)

// Broker is the slice of the fan-out broker the transport layer needs.
type Broker interface {
	// Admit registers an authenticated transport session and returns its
	// connection id.
	Admit(t broker.Transport, roomID, userID, displayName string) (string, error)
	// Dispatch routes one raw inbound frame.
	Dispatch(connID string, raw []byte) error
	// Retire removes a connection; safe to call from any trigger.
	Retire(connID string, reason broker.RetireReason)
}

// Identity is the authenticated principal behind an upgrade request.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator authenticates an upgrade request before the broker sees
// it. The broker itself never validates credentials.
// Authenticate must be safe to call concurrently.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}
