package relay

import "errors"

// Validation errors, returned by Decode before anything reaches the Hub.
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidRoomKey = errors.New("invalid room key")
	ErrMissingUser    = errors.New("user id is required")
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrMessageInvalid = errors.New("message contains invalid characters")
)

// Protocol misuse errors.
var (
	ErrNotJoined     = errors.New("join a room first")
	ErrRoomMismatch  = errors.New("not a member of that room")
	ErrUserMismatch  = errors.New("user does not match the joined identity")
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrSessionClosed = errors.New("session is closed")
)

var (
	// ErrPersistFailed wraps every gateway failure, including timeouts.
	ErrPersistFailed = errors.New("message could not be saved")

	// ErrHubClosed is returned once the hub has been shut down.
	ErrHubClosed = errors.New("hub is closed")
)

// clientMessage is the text sent to a client in an error event. Persistence
// failures are reported without the underlying cause.
func clientMessage(err error) string {
	if errors.Is(err, ErrPersistFailed) {
		return ErrPersistFailed.Error()
	}
	return err.Error()
}
