package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colloquyhq/colloquy-live/broker"
)

// Handler upgrades authenticated HTTP requests to websocket sessions and
// hands them to the broker. The room id comes from the "room" query
// parameter.
type Handler struct {
	broker   Broker
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type HandlerOption func(*Handler)

func WithUpgrader(u websocket.Upgrader) HandlerOption {
	return func(h *Handler) { h.upgrader = u }
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

func NewHandler(b Broker, auth Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{
		broker: b,
		auth:   auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("err", err.Error()))
		return
	}

	conn := newConn(sock, h.logger)
	roomID := r.URL.Query().Get("room")
	id, err := h.broker.Admit(conn, roomID, identity.UserID, identity.DisplayName)
	if err != nil {
		reason := "admission refused"
		if errors.Is(err, broker.ErrInvalidHandshake) {
			reason = "invalid handshake"
		}
		sock.SetWriteDeadline(time.Now().Add(writeWait))
		sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
		sock.Close()
		return
	}

	go conn.writeLoop()
	go conn.readLoop(id, h.broker)
}
