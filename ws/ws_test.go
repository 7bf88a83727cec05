package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquyhq/colloquy-live/broker"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// envelope mirrors the JSON event pushed to clients.
type envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func signToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	claims := &SessionClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.WithLogger(logger))
	b.Start()
	t.Cleanup(b.Close)

	h := NewHandler(b, NewJWTAuthenticator(testSecret), WithLogger(logger))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, b
}

func dial(t *testing.T, srv *httptest.Server, room, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?room=" + room + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e envelope
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestHandler_AdmissionFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dial(t, srv, "r1", signToken(t, "alice", "Alice"))
	est := readEvent(t, alice)
	require.Equal(t, broker.EventConnectionEstablished, est.Type)
	var estPayload struct {
		ConnectionID string          `json:"connectionId"`
		Members      []broker.Member `json:"members"`
	}
	require.NoError(t, json.Unmarshal(est.Data, &estPayload))
	assert.NotEmpty(t, estPayload.ConnectionID)
	assert.Empty(t, estPayload.Members)

	bob := dial(t, srv, "r1", signToken(t, "bob", "Bob"))
	est = readEvent(t, bob)
	require.Equal(t, broker.EventConnectionEstablished, est.Type)
	require.NoError(t, json.Unmarshal(est.Data, &estPayload))
	assert.Equal(t, []broker.Member{{UserID: "alice", DisplayName: "Alice"}}, estPayload.Members)

	joined := readEvent(t, alice)
	assert.Equal(t, broker.EventUserJoined, joined.Type)
	assert.Equal(t, "bob", joined.UserID)
}

func TestHandler_TypingAndRelay(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dial(t, srv, "r1", signToken(t, "alice", "Alice"))
	readEvent(t, alice) // connection_established
	bob := dial(t, srv, "r1", signToken(t, "bob", "Bob"))
	readEvent(t, bob)   // connection_established
	readEvent(t, alice) // user_joined bob

	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "typing",
		"data": map[string]any{"typing": true},
	}))
	typing := readEvent(t, alice)
	require.Equal(t, broker.EventTyping, typing.Type)
	var typingPayload struct {
		Users []broker.Member `json:"users"`
	}
	require.NoError(t, json.Unmarshal(typing.Data, &typingPayload))
	assert.Equal(t, []broker.Member{{UserID: "bob", DisplayName: "Bob"}}, typingPayload.Users)

	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "message",
		"data": map[string]any{"body": "hello"},
	}))
	typing = readEvent(t, alice) // typing cleared by the message
	require.Equal(t, broker.EventTyping, typing.Type)
	msg := readEvent(t, alice)
	require.Equal(t, broker.EventNewMessage, msg.Type)
	assert.Equal(t, "bob", msg.UserID)
	assert.JSONEq(t, `{"body":"hello"}`, string(msg.Data))
}

func TestHandler_PeerDisconnect(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dial(t, srv, "r1", signToken(t, "alice", "Alice"))
	readEvent(t, alice)
	bob := dial(t, srv, "r1", signToken(t, "bob", "Bob"))
	readEvent(t, bob)
	readEvent(t, alice) // user_joined bob

	require.NoError(t, bob.Close())

	left := readEvent(t, alice)
	assert.Equal(t, broker.EventUserLeft, left.Type)
	assert.Equal(t, "bob", left.UserID)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?room=r1&token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandler_MissingRoomClosesWithPolicyViolation(t *testing.T) {
	srv, _ := newTestServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + signToken(t, "alice", "Alice")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestJWTAuthenticator(t *testing.T) {
	t.Parallel()
	auth := NewJWTAuthenticator(testSecret)

	r := httptest.NewRequest("GET", "/ws?token="+signToken(t, "alice", "Alice"), nil)
	identity, err := auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", DisplayName: "Alice"}, identity)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "bob", "Bob"))
	identity, err = auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.UserID)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = auth.Authenticate(r)
	require.ErrorIs(t, err, ErrTokenMissing)

	r = httptest.NewRequest("GET", "/ws?token=garbage", nil)
	_, err = auth.Authenticate(r)
	require.ErrorIs(t, err, ErrTokenInvalid)
}
