package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Limits applied while decoding inbound events.
const (
	MaxRoomKeyLength = 128
	MaxMessageLength = 5000

	// MaxFrameSize is the largest send-message frame a client can produce
	// for a valid body: JSON may escape every byte as \u00XX, plus room
	// for the envelope and the other fields.
	MaxFrameSize = 6*MaxMessageLength + 2048
)

// Inbound event names.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventStopTyping  = "stop-typing"
)

// Outbound event names.
const (
	EventUserJoined     = "user-joined"
	EventUsersOnline    = "users-online"
	EventUserLeft       = "user-left"
	EventNewMessage     = "new-message"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stop-typing"
	EventError          = "error"
)

// timestampLayout renders timestamps the way JavaScript's toISOString does.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// RoomKey identifies a room. It is derived from a cohort schedule id and
// decodes from either a JSON string or a JSON number, so 42 and "42" name
// the same room.
type RoomKey string

// UnmarshalJSON implements json.Unmarshaler.
func (k *RoomKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*k = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = RoomKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRoomKey, b)
	}
	key, err := integerKey(n)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// integerKey renders a numeric id in canonical decimal form, so 42, 42.0
// and 4.2e1 name the same room. Fractions are rejected.
func integerKey(n json.Number) (RoomKey, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return RoomKey(strconv.FormatInt(i, 10)), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloatInt {
		return "", fmt.Errorf("%w: %s is not an integer", ErrInvalidRoomKey, n)
	}
	return RoomKey(strconv.FormatInt(int64(f), 10)), nil
}

// maxExactFloatInt is the largest integer a float64 holds exactly.
const maxExactFloatInt = 1 << 53

// Validate reports whether k is a usable room key.
func (k RoomKey) Validate() error {
	s := string(k)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoomKey)
	}
	if len(s) > MaxRoomKeyLength || !utf8.ValidString(s) {
		return fmt.Errorf("%w: %.32q", ErrInvalidRoomKey, s)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %.32q", ErrInvalidRoomKey, s)
		}
	}
	return nil
}

// ParseRoomKey validates s and returns it as a RoomKey.
func ParseRoomKey(s string) (RoomKey, error) {
	k := RoomKey(s)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// ValidateMessage checks a chat message body.
func ValidateMessage(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if len(body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if !utf8.ValidString(body) {
		return ErrMessageInvalid
	}
	return nil
}

// Inbound is an event sent by a client. The concrete types are *JoinRoom,
// *LeaveRoom, *SendMessage, *Typing and *StopTyping.
type Inbound interface {
	Name() string
	validate() error
}

// JoinRoom asks to join the room of a schedule.
type JoinRoom struct {
	ScheduleID RoomKey `json:"scheduleId"`
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	UserImage  string  `json:"userImage"`
}

// LeaveRoom leaves the current room while keeping the connection open.
type LeaveRoom struct {
	ScheduleID RoomKey `json:"scheduleId"`
}

// SendMessage posts a chat message to the joined room.
type SendMessage struct {
	ScheduleID RoomKey `json:"scheduleId"`
	UserID     string  `json:"userId"`
	Message    string  `json:"message"`
}

// Typing announces that the user started typing.
type Typing struct {
	ScheduleID RoomKey `json:"scheduleId"`
	UserName   string  `json:"userName"`
}

// StopTyping announces that the user stopped typing.
type StopTyping struct {
	ScheduleID RoomKey `json:"scheduleId"`
}

func (*JoinRoom) Name() string    { return EventJoinRoom }
func (*LeaveRoom) Name() string   { return EventLeaveRoom }
func (*SendMessage) Name() string { return EventSendMessage }
func (*Typing) Name() string      { return EventTyping }
func (*StopTyping) Name() string  { return EventStopTyping }

func (e *JoinRoom) validate() error {
	if err := e.ScheduleID.Validate(); err != nil {
		return err
	}
	e.UserID = strings.TrimSpace(e.UserID)
	if e.UserID == "" {
		return ErrMissingUser
	}
	return nil
}

func (e *LeaveRoom) validate() error { return e.ScheduleID.Validate() }

func (e *SendMessage) validate() error {
	if err := e.ScheduleID.Validate(); err != nil {
		return err
	}
	e.UserID = strings.TrimSpace(e.UserID)
	return ValidateMessage(e.Message)
}

func (e *Typing) validate() error     { return e.ScheduleID.Validate() }
func (e *StopTyping) validate() error { return e.ScheduleID.Validate() }

// frame is the wire envelope shared by both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ev Inbound
	switch f.Event {
	case EventJoinRoom:
		ev = &JoinRoom{}
	case EventLeaveRoom:
		ev = &LeaveRoom{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventTyping:
		ev = &Typing{}
	case EventStopTyping:
		ev = &StopTyping{}
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %.64q", ErrUnknownEvent, f.Event)
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, f.Event, err)
		}
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Outbound is an event sent to clients.
type Outbound interface {
	Event() string
}

// Presence is one entry of a users-online list.
type Presence struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
}

// UsersOnline is the full presence list of a room.
type UsersOnline []Presence

// UserJoined is sent to the existing members when someone joins.
type UserJoined struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserLeft is sent to the remaining members when someone leaves.
type UserLeft struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// NewMessage carries the stored representation of a chat message.
type NewMessage struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
	User      Author `json:"user"`
}

// UserTyping relays a typing hint.
type UserTyping struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserStopTyping relays the end of a typing hint.
type UserStopTyping struct {
	UserID string `json:"userId,omitempty"`
}

// Error reports a failure to the originating connection only.
type Error struct {
	Message string `json:"message"`
}

func (UsersOnline) Event() string    { return EventUsersOnline }
func (UserJoined) Event() string     { return EventUserJoined }
func (UserLeft) Event() string       { return EventUserLeft }
func (NewMessage) Event() string     { return EventNewMessage }
func (UserTyping) Event() string     { return EventUserTyping }
func (UserStopTyping) Event() string { return EventUserStopTyping }
func (Error) Event() string          { return EventError }

// NewMessageFrom builds the broadcast payload for a stored message.
func NewMessageFrom(m StoredMessage) NewMessage {
	return NewMessage{
		ID:        m.ID,
		Message:   m.Body,
		CreatedAt: FormatTimestamp(m.CreatedAt),
		User:      m.Author,
	}
}

// FormatTimestamp renders t as an ISO-8601 UTC timestamp with milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Encode marshals an outbound event into a wire frame.
func Encode(ev Outbound) ([]byte, error) {
	if online, ok := ev.(UsersOnline); ok && online == nil {
		ev = UsersOnline{}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Event(), err)
	}
	return json.Marshal(frame{Event: ev.Event(), Data: data})
}

// ErrorFrame encodes err as an error event.
func ErrorFrame(err error) []byte {
	b, encErr := Encode(Error{Message: clientMessage(err)})
	if encErr != nil {
		return []byte(`{"event":"error","data":{"message":"internal error"}}`)
	}
	return b
}
