package broker

import (
	"sort"
	"sync"
	"time"
)

// room is one entry of the membership index: the set of connections
// currently subscribed to a room id plus the ephemeral typing map. mu
// guards every other field and is the single serialization point for
// everything that happens inside the room, so events fanned out while it
// is held reach every member in submission order. closed marks a pruned
// room; a closed room must never be used again.
type room struct {
	id string

	mu      sync.Mutex
	closed  bool
	members map[string]*connection // connection id -> connection
	typing  map[string]*typingEntry
}

// typingEntry is the ephemeral "user is composing" record. It lives only
// in memory and is removed by a stop signal, a chat message, a disconnect
// or the sweep loop.
type typingEntry struct {
	member    Member
	updatedAt time.Time
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		members: make(map[string]*connection),
		typing:  make(map[string]*typingEntry),
	}
}

// fanout pushes e to every member the skip predicate does not exclude.
// Connections whose transport rejects the send are returned so the caller
// can schedule their retirement; they are never silently skipped.
func (r *room) fanout(e *Event, skip func(*connection) bool) (failed []string) {
	for _, c := range r.members {
		if skip != nil && skip(c) {
			continue
		}
		if err := c.transport.Send(e); err != nil {
			failed = append(failed, c.id)
		}
	}
	return failed
}

func skipConns(ids ...string) func(*connection) bool {
	if len(ids) == 0 {
		return nil
	}
	return func(c *connection) bool {
		for _, id := range ids {
			if c.id == id {
				return true
			}
		}
		return false
	}
}

func skipUser(userID string) func(*connection) bool {
	return func(c *connection) bool { return c.userID == userID }
}

// membership returns the deduplicated online-user snapshot, sorted by
// user id so callers see a stable order.
func (r *room) membership() []Member {
	seen := make(map[string]struct{}, len(r.members))
	members := make([]Member, 0, len(r.members))
	for _, c := range r.members {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		members = append(members, Member{UserID: c.userID, DisplayName: c.displayName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// typingSnapshot returns the users currently flagged as typing.
func (r *room) typingSnapshot() []Member {
	users := make([]Member, 0, len(r.typing))
	for _, entry := range r.typing {
		users = append(users, entry.member)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// expireTyping removes entries older than the cutoff and reports whether
// anything was removed.
func (r *room) expireTyping(cutoff time.Time) bool {
	removed := false
	for userID, entry := range r.typing {
		if entry.updatedAt.Before(cutoff) {
			delete(r.typing, userID)
			removed = true
		}
	}
	return removed
}
