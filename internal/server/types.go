package server

import (
	"strings"

	"github.com/Tyrowin/cohortchat/internal/relay"
)

// ErrorResponse is the JSON body of every failed HTTP request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the JSON body of the health endpoints.
type HealthResponse struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Clients  int    `json:"clients"`
	Joined   int    `json:"joined"`
	Database string `json:"database"`
}

// HistoryResponse is one page of a room's history.
type HistoryResponse struct {
	Messages   []relay.NewMessage `json:"messages"`
	NextCursor string             `json:"nextCursor"`
}

// PostMessageRequest is the body of a message posted over HTTP.
type PostMessageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// isExpectedCloseError reports errors that only mean the peer already went away.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
