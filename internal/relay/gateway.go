package relay

import (
	"context"
	"time"
)

// Author is the resolved profile of a message author.
type Author struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Image    string `json:"image"`
	Role     string `json:"role"`
}

// StoredMessage is the canonical representation of a persisted message.
// ID and CreatedAt are always assigned by the Gateway.
type StoredMessage struct {
	ID        string
	RoomKey   RoomKey
	Body      string
	CreatedAt time.Time
	Author    Author
}

// Gateway durably stores chat messages. Create must either store the
// message completely or return an error.
type Gateway interface {
	Create(ctx context.Context, roomKey RoomKey, userID, body string) (StoredMessage, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, roomKey RoomKey, userID, body string) (StoredMessage, error)

// Create calls f.
func (f GatewayFunc) Create(ctx context.Context, roomKey RoomKey, userID, body string) (StoredMessage, error) {
	return f(ctx, roomKey, userID, body)
}
