package broker

import (
	"sync"
	"time"
)

// Transport is one live client session the broker pushes events into.
// Send must not block: a transport with a full outbound queue returns an
// error, and the broker retires the connection instead of waiting.
type Transport interface {
	Send(e *Event) error
	Close() error
}

type connState int

const (
	stateAlive connState = iota
	statePendingHeartbeat
	stateRetired
)

// connection is the registry's record of one admitted transport session.
// The identity fields are immutable after Admit; state and lastActive are
// guarded by mu.
type connection struct {
	id          string
	userID      string
	displayName string
	roomID      string
	transport   Transport

	mu         sync.Mutex
	state      connState
	lastActive time.Time
}

// markProbed advances the heartbeat state machine for one probe cycle.
// expired reports that the connection was still pending from the previous
// cycle and must be retired; probe reports that a liveness probe should be
// sent. A retired connection yields neither.
func (c *connection) markProbed() (expired, probe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case statePendingHeartbeat:
		return true, false
	case stateAlive:
		c.state = statePendingHeartbeat
		return false, true
	}
	return false, false
}

// markAlive records a heartbeat pong.
func (c *connection) markAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateRetired {
		return
	}
	c.state = stateAlive
	c.lastActive = time.Now()
}

func (c *connection) retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRetired
}

func (c *connection) markRetired() {
	c.mu.Lock()
	c.state = stateRetired
	c.mu.Unlock()
}
