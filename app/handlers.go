package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/colloquyhq/colloquy-live/broker"
	"github.com/colloquyhq/colloquy-live/ws"
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, apiError{Code: code, Message: message})
}

type presenceResponse struct {
	RoomID  string          `json:"roomId"`
	Members []broker.Member `json:"members"`
}

// PresenceHandler answers "who's currently online" from the broker's
// membership index, never the database.
func (app *App) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	writeJSON(w, http.StatusOK, presenceResponse{
		RoomID:  roomID,
		Members: app.broker.Membership(roomID),
	})
}

type publishEventRequest struct {
	Type   string          `json:"type" validate:"required,oneof=new_message message_edited message_deleted ai_thinking user_joined user_left"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// PublishEventHandler is the application layer's entry into the fan-out:
// after a message or membership change has been validated and persisted
// elsewhere, this fans the notification out to live connections and the
// cross-instance bus.
func (app *App) PublishEventHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, FormatValidationErrors(err))
		return
	}

	e := broker.NewEvent(req.Type, roomID, req.UserID, req.Data)
	app.publish(r.Context(), roomID, e)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// JWTMiddleware guards the API surface with the same session tokens the
// websocket handshake uses.
func JWTMiddleware(auth ws.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.Authenticate(r); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
