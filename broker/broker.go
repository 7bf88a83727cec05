// Package broker implements the room fan-out layer: it tracks which
// transport sessions are subscribed to which discussion room, relays chat
// events to the right set of live connections, and keeps the ephemeral
// per-room presence and typing state that never touches the database.
//
// The broker assumes its callers already authenticated and persisted
// whatever needed persisting. It owns no durable state: everything here
// lives in process memory for the lifetime of the broker.
package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultTypingTimeout     = 3 * time.Second
	defaultSweepInterval     = time.Second
)

// Broker is the connection registry and room membership index. The zero
// value is not usable; construct with New and call Start before admitting
// connections.
//
// Locking: mu guards the conns and rooms maps plus the closed flag; each
// room carries its own mutex serializing everything inside it. mu and a
// room mutex are never held at the same time except inside lockRoom and
// unlockRoom, which always take mu first. No operation ever needs two
// room mutexes, so deadlock is impossible by construction.
type Broker struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration
	typingTimeout     time.Duration
	sweepInterval     time.Duration

	mu     sync.RWMutex
	closed bool
	conns  map[string]*connection
	rooms  map[string]*room

	// onRelay is invoked for every client-originated chat relay. Set it
	// before Start; it is read without synchronization afterwards.
	onRelay func(roomID string, e *Event)

	done chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Broker)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broker) { b.heartbeatInterval = d }
}

func WithTypingTimeout(d time.Duration) Option {
	return func(b *Broker) { b.typingTimeout = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) { b.sweepInterval = d }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		logger:            slog.New(slog.NewTextHandler(os.Stdout, nil)),
		heartbeatInterval: defaultHeartbeatInterval,
		typingTimeout:     defaultTypingTimeout,
		sweepInterval:     defaultSweepInterval,
		conns:             make(map[string]*connection),
		rooms:             make(map[string]*room),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnRelay registers the hook invoked after a client chat relay has been
// broadcast locally. The application layer uses it to feed the
// cross-instance bus.
func (b *Broker) OnRelay(f func(roomID string, e *Event)) {
	b.onRelay = f
}

// Admit registers a new transport session in roomID, pushes it a
// connection_established event carrying the membership snapshot taken
// just before admission, and announces user_joined to the rest of the
// room. It returns the connection id used for Dispatch and Retire.
func (b *Broker) Admit(t Transport, roomID, userID, displayName string) (string, error) {
	if roomID == "" || userID == "" {
		return "", fmt.Errorf("%w: room and user ids are required", ErrInvalidHandshake)
	}

	c := &connection{
		id:          uuid.NewString(),
		userID:      userID,
		displayName: displayName,
		roomID:      roomID,
		transport:   t,
		state:       stateAlive,
		lastActive:  time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.conns[c.id] = c
	b.mu.Unlock()

	r := b.lockRoom(roomID, true)
	snapshot := r.membership()
	r.members[c.id] = c

	var failed []string
	established := NewEvent(EventConnectionEstablished, roomID, userID,
		EstablishedPayload{ConnectionID: c.id, Members: snapshot})
	if err := t.Send(established); err != nil {
		failed = append(failed, c.id)
	}
	joined := NewEvent(EventUserJoined, roomID, userID,
		Member{UserID: userID, DisplayName: displayName})
	failed = append(failed, r.fanout(joined, skipConns(c.id))...)
	b.unlockRoom(r)

	b.scheduleRetire(failed, ReasonTransportError)
	b.logger.Info("connection admitted",
		slog.String("conn.id", c.id),
		slog.String("room.id", roomID),
		slog.String("user.id", userID))
	return c.id, nil
}

// Dispatch parses a raw client frame and routes it. Frames from unknown
// or retired connection ids are dropped. A frame that cannot be parsed or
// routed leaves the connection admitted: an error event goes back to the
// offending connection only, and ErrMalformedFrame is returned for the
// transport layer to log.
func (b *Broker) Dispatch(connID string, raw []byte) error {
	b.mu.RLock()
	c := b.conns[connID]
	b.mu.RUnlock()
	if c == nil || c.retired() {
		return nil
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.sendError(c, "malformed frame")
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FrameTyping:
		var sig TypingSignal
		if err := json.Unmarshal(f.Data, &sig); err != nil {
			b.sendError(c, "malformed typing frame")
			return fmt.Errorf("%w: typing: %v", ErrMalformedFrame, err)
		}
		b.SetTyping(c.roomID, c.userID, c.displayName, sig.Typing)
	case FrameMessage:
		b.relayMessage(c, f.Data)
	case FrameLeave:
		b.Retire(connID, ReasonLeave)
	case FramePong:
		c.markAlive()
	default:
		b.sendError(c, fmt.Sprintf("unknown frame type %q", f.Type))
		return fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

// relayMessage announces that a message event occurred. Content
// validation and persistence happened upstream before the client echoed
// the frame here; the broker only clears the sender's typing state and
// fans the event out to the rest of the room.
func (b *Broker) relayMessage(c *connection, data json.RawMessage) {
	b.ClearTyping(c.roomID, c.userID)
	e := NewEvent(EventNewMessage, c.roomID, c.userID, data)
	b.Broadcast(c.roomID, e, c.id)
	if b.onRelay != nil {
		b.onRelay(c.roomID, e)
	}
}

// Retire removes the connection from the registry and its room, clears
// the typing state its user held there, and announces user_left to the
// remaining members. It is idempotent: every trigger (leave frame,
// transport error, heartbeat timeout, shutdown) may call it, and exactly
// one user_left broadcast results.
func (b *Broker) Retire(connID string, reason RetireReason) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.conns, connID)
	b.mu.Unlock()
	c.markRetired()

	var failed []string
	if r := b.lockRoom(c.roomID, false); r != nil {
		delete(r.members, connID)
		_, wasTyping := r.typing[c.userID]
		delete(r.typing, c.userID)

		left := NewEvent(EventUserLeft, c.roomID, c.userID,
			Member{UserID: c.userID, DisplayName: c.displayName})
		failed = r.fanout(left, nil)
		if wasTyping {
			snap := NewEvent(EventTyping, c.roomID, "", TypingPayload{Users: r.typingSnapshot()})
			failed = append(failed, r.fanout(snap, nil)...)
		}
		b.unlockRoom(r)
	}

	_ = c.transport.Close()
	b.scheduleRetire(failed, ReasonTransportError)
	b.logger.Info("connection retired",
		slog.String("conn.id", connID),
		slog.String("room.id", c.roomID),
		slog.String("user.id", c.userID),
		slog.String("reason", string(reason)))
}

// Broadcast fans e out to every live connection in roomID except the
// excluded connection ids. Connections whose transport rejects the send
// are scheduled for retirement so the registry and the index stay
// consistent.
func (b *Broker) Broadcast(roomID string, e *Event, exclude ...string) {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return
	}
	failed := r.fanout(e, skipConns(exclude...))
	b.unlockRoom(r)
	b.scheduleRetire(failed, ReasonTransportError)
}

// SendToUser delivers e to every connection userID holds in roomID. A
// user with several tabs open has several connections; all of them get
// the event.
func (b *Broker) SendToUser(roomID, userID string, e *Event) {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return
	}
	var failed []string
	for _, c := range r.members {
		if c.userID != userID {
			continue
		}
		if err := c.transport.Send(e); err != nil {
			failed = append(failed, c.id)
		}
	}
	b.unlockRoom(r)
	b.scheduleRetire(failed, ReasonTransportError)
}

// Membership returns the deduplicated online-user snapshot for roomID.
func (b *Broker) Membership(roomID string) []Member {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return []Member{}
	}
	members := r.membership()
	b.unlockRoom(r)
	return members
}

// SetTyping upserts or removes the typing record for userID in roomID and
// re-broadcasts the full typing snapshot to the room, skipping the acting
// user's own connections.
func (b *Broker) SetTyping(roomID, userID, displayName string, typing bool) {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return
	}
	if typing {
		r.typing[userID] = &typingEntry{
			member:    Member{UserID: userID, DisplayName: displayName},
			updatedAt: time.Now(),
		}
	} else {
		delete(r.typing, userID)
	}
	e := NewEvent(EventTyping, roomID, userID, TypingPayload{Users: r.typingSnapshot()})
	failed := r.fanout(e, skipUser(userID))
	b.unlockRoom(r)
	b.scheduleRetire(failed, ReasonTransportError)
}

// ClearTyping removes the typing record for userID, with the same
// re-broadcast semantics as SetTyping with typing=false. It is invoked
// when the user sends a chat message or disconnects.
func (b *Broker) ClearTyping(roomID, userID string) {
	b.SetTyping(roomID, userID, "", false)
}

// Close stops the scheduler loops and force-closes every live connection.
// Clients get an error event naming the shutdown before their transport
// closes; peers still connected see the usual user_left events.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	for _, c := range conns {
		_ = c.transport.Send(NewEvent(EventError, c.roomID, "", ErrorPayload{Error: "server shutting down"}))
		b.Retire(c.id, ReasonShutdown)
	}
	b.logger.Info("broker closed")
}

func (b *Broker) sendError(c *connection, msg string) {
	e := NewEvent(EventError, c.roomID, c.userID, ErrorPayload{Error: msg})
	if err := c.transport.Send(e); err != nil {
		b.scheduleRetire([]string{c.id}, ReasonTransportError)
	}
}

// scheduleRetire retires connections whose transport failed a send. The
// caller typically holds a room mutex, so retirement runs on its own
// goroutine; Retire's idempotence makes racing triggers harmless.
func (b *Broker) scheduleRetire(ids []string, reason RetireReason) {
	for _, id := range ids {
		go b.Retire(id, reason)
	}
}

// lockRoom returns the room with its mutex held, or nil when the room
// does not exist and create is false. It loops past rooms pruned between
// the map lookup and the lock acquisition.
func (b *Broker) lockRoom(id string, create bool) *room {
	for {
		b.mu.Lock()
		r := b.rooms[id]
		if r == nil {
			if !create {
				b.mu.Unlock()
				return nil
			}
			r = newRoom(id)
			b.rooms[id] = r
		}
		b.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		return r
	}
}

// unlockRoom releases the room mutex, pruning the room from the index if
// it emptied. An empty room entry carries no meaning beyond current
// membership.
func (b *Broker) unlockRoom(r *room) {
	if len(r.members) == 0 && len(r.typing) == 0 {
		r.closed = true
		r.mu.Unlock()
		b.mu.Lock()
		if b.rooms[r.id] == r {
			delete(b.rooms, r.id)
		}
		b.mu.Unlock()
		return
	}
	r.mu.Unlock()
}
