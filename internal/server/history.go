package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Tyrowin/cohortchat/internal/relay"
	"github.com/Tyrowin/cohortchat/internal/store"
)

// HistoryReader reads stored messages for the history API.
type HistoryReader interface {
	History(ctx context.Context, key relay.RoomKey, cursor string, limit int) (store.Page, error)
	Ping(ctx context.Context) error
}

var errInvalidLimit = errors.New("limit must be a positive integer")

// handleListMessages serves GET /api/rooms/{roomKey}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	key, err := relay.ParseRoomKey(r.PathValue("roomKey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_key", err)
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", errInvalidLimit)
			return
		}
	}

	page, err := s.history.History(r.Context(), key, query.Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_cursor", err)
			return
		}
		s.logger.Error("failed to list messages", "room", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", errors.New("history is unavailable"))
		return
	}

	resp := HistoryResponse{
		Messages:   make([]relay.NewMessage, 0, len(page.Messages)),
		NextCursor: page.NextCursor,
	}
	for _, m := range page.Messages {
		resp.Messages = append(resp.Messages, relay.NewMessageFrom(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePostMessage serves POST /api/rooms/{roomKey}/messages. The response
// is written only after the message is stored; live members receive it as
// a new-message event.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	key, err := relay.ParseRoomKey(r.PathValue("roomKey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_key", err)
		return
	}

	var req PostMessageRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Errorf("%w: %v", relay.ErrMalformedEvent, err))
		return
	}

	msg, err := s.hub.Publish(r.Context(), key, req.UserID, req.Message)
	if err != nil {
		status, code := publishErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("failed to publish message", "room", key, "userID", req.UserID, "error", err)
			err = relay.ErrPersistFailed
		}
		writeError(w, status, code, err)
		return
	}

	writeJSON(w, http.StatusCreated, relay.NewMessageFrom(msg))
}

func publishErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrUnknownAuthor):
		return http.StatusUnprocessableEntity, "unknown_author"
	case errors.Is(err, relay.ErrInvalidRoomKey),
		errors.Is(err, relay.ErrMissingUser),
		errors.Is(err, relay.ErrEmptyMessage),
		errors.Is(err, relay.ErrMessageTooLong),
		errors.Is(err, relay.ErrMessageInvalid):
		return http.StatusBadRequest, "invalid_message"
	default:
		return http.StatusServiceUnavailable, "persist_failed"
	}
}
