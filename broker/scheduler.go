package broker

import (
	"log/slog"
	"time"
)

// Start launches the heartbeat and typing-expiry loops. Both run for the
// lifetime of the broker and are torn down together by Close.
func (b *Broker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.heartbeatLoop()
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sweepLoop()
	}()

	b.logger.Info("broker started",
		slog.Duration("heartbeat.interval", b.heartbeatInterval),
		slog.Duration("typing.timeout", b.typingTimeout),
		slog.Duration("sweep.interval", b.sweepInterval))
}

func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.probeConnections()
		}
	}
}

// probeConnections sends a liveness probe to every Alive connection and
// retires the ones still unanswered from the previous cycle. The conns
// map is snapshotted first so no lock is held across the probes.
func (b *Broker) probeConnections() {
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		expired, probe := c.markProbed()
		if expired {
			b.logger.Warn("heartbeat timeout",
				slog.String("conn.id", c.id), slog.String("user.id", c.userID))
			b.Retire(c.id, ReasonHeartbeatTimeout)
			continue
		}
		if !probe {
			continue
		}
		if err := c.transport.Send(NewEvent(EventPing, "", "", nil)); err != nil {
			b.Retire(c.id, ReasonTransportError)
		}
	}
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepTyping()
		}
	}
}

// sweepTyping removes typing entries older than the typing timeout. Rooms
// are locked one at a time, never for the whole sweep, and a room with
// removals gets exactly one snapshot re-broadcast regardless of how many
// entries expired.
func (b *Broker) sweepTyping() {
	cutoff := time.Now().Add(-b.typingTimeout)

	b.mu.RLock()
	rooms := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		var failed []string
		if r.expireTyping(cutoff) {
			snap := NewEvent(EventTyping, r.id, "", TypingPayload{Users: r.typingSnapshot()})
			failed = r.fanout(snap, nil)
		}
		b.unlockRoom(r)
		b.scheduleRetire(failed, ReasonTransportError)
	}
}
