package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingUsers(t *testing.T, e *Event) []Member {
	t.Helper()
	payload, ok := e.Data.(TypingPayload)
	require.True(t, ok)
	return payload.Users
}

func TestSetTyping_SnapshotBroadcast(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	ta := newMockTransport()
	_, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)
	tb := newMockTransport()
	_, err = b.Admit(tb, "r1", "bob", "Bob")
	require.NoError(t, err)

	b.SetTyping("r1", "alice", "Alice", true)

	events := tb.eventsOfType(EventTyping)
	require.Len(t, events, 1)
	assert.Equal(t, []Member{{UserID: "alice", DisplayName: "Alice"}}, typingUsers(t, events[0]))
	// the acting user does not see their own toggle
	assert.Empty(t, ta.eventsOfType(EventTyping))

	b.SetTyping("r1", "alice", "Alice", false)
	events = tb.eventsOfType(EventTyping)
	require.Len(t, events, 2)
	assert.Empty(t, typingUsers(t, events[1]))
}

func TestDispatch_TypingAndMessageFrames(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	ta := newMockTransport()
	idA, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)
	tb := newMockTransport()
	_, err = b.Admit(tb, "r1", "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(idA, []byte(`{"type":"typing","data":{"typing":true}}`)))
	events := tb.eventsOfType(EventTyping)
	require.Len(t, events, 1)
	assert.Equal(t, []Member{{UserID: "alice", DisplayName: "Alice"}}, typingUsers(t, events[0]))

	// a chat message clears the sender's typing state before the relay
	require.NoError(t, b.Dispatch(idA, []byte(`{"type":"message","data":{"body":"hi"}}`)))

	events = tb.eventsOfType(EventTyping)
	require.Len(t, events, 2)
	assert.Empty(t, typingUsers(t, events[1]))

	relayed := tb.eventsOfType(EventNewMessage)
	require.Len(t, relayed, 1)
	assert.Equal(t, "alice", relayed[0].UserID)
	// the originating connection gets no echo
	assert.Empty(t, ta.eventsOfType(EventNewMessage))
}

func TestDispatch_RelayHook(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	var gotRoom string
	var gotEvent *Event
	b.OnRelay(func(roomID string, e *Event) {
		gotRoom = roomID
		gotEvent = e
	})

	ta := newMockTransport()
	idA, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(idA, []byte(`{"type":"message","data":{"body":"hi"}}`)))
	assert.Equal(t, "r1", gotRoom)
	require.NotNil(t, gotEvent)
	assert.Equal(t, EventNewMessage, gotEvent.Type)
}

func TestDispatch_MalformedFrame(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	ta := newMockTransport()
	idA, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)
	tb := newMockTransport()
	_, err = b.Admit(tb, "r1", "bob", "Bob")
	require.NoError(t, err)

	err = b.Dispatch(idA, []byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedFrame)
	err = b.Dispatch(idA, []byte(`{"type":"bogus"}`))
	require.ErrorIs(t, err, ErrMalformedFrame)

	// the error events go to the offender only, and it stays admitted
	assert.Len(t, ta.eventsOfType(EventError), 2)
	assert.Empty(t, tb.eventsOfType(EventError))
	assert.Len(t, b.Membership("r1"), 2)
}

func TestDispatch_LeaveFrame(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	ta := newMockTransport()
	idA, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)
	tb := newMockTransport()
	_, err = b.Admit(tb, "r1", "bob", "Bob")
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(idA, []byte(`{"type":"leave"}`)))

	left := tb.eventsOfType(EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0].UserID)

	// frames from a retired connection are dropped
	require.NoError(t, b.Dispatch(idA, []byte(`{"type":"typing","data":{"typing":true}}`)))
	assert.Empty(t, tb.eventsOfType(EventTyping))
}

func TestRetire_ClearsTypingState(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t)

	ta := newMockTransport()
	idA, err := b.Admit(ta, "r1", "alice", "Alice")
	require.NoError(t, err)
	tb := newMockTransport()
	_, err = b.Admit(tb, "r1", "bob", "Bob")
	require.NoError(t, err)

	b.SetTyping("r1", "alice", "Alice", true)
	b.Retire(idA, ReasonTransportError)

	events := tb.eventsOfType(EventTyping)
	require.Len(t, events, 2)
	assert.Empty(t, typingUsers(t, events[1]), "disconnect removes the user's typing entry")
}
