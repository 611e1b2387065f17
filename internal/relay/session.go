package relay

// SessionState is the lifecycle stage of a connection.
type SessionState int

const (
	Unjoined SessionState = iota
	Joined
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joined:
		return "joined"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one connection to at most one room and one identity.
//
//	Unjoined -> Joined    join
//	Joined   -> Unjoined  leave-room
//	any      -> Closed    disconnect
type Session struct {
	conn     Conn
	state    SessionState
	room     RoomKey
	identity Identity
}

// NewSession returns an unjoined session for conn.
func NewSession(conn Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) Conn() Conn          { return s.conn }
func (s *Session) State() SessionState { return s.state }
func (s *Session) Identity() Identity  { return s.identity }

// Room returns the joined room, if any.
func (s *Session) Room() (RoomKey, bool) {
	return s.room, s.state == Joined
}

// Join records the room and identity. The session must be unjoined; callers
// switching rooms leave first.
func (s *Session) Join(key RoomKey, id Identity) error {
	switch s.state {
	case Joined:
		return ErrAlreadyJoined
	case Closed:
		return ErrSessionClosed
	}
	s.state = Joined
	s.room = key
	s.identity = id
	return nil
}

// Leave returns a joined session to Unjoined and reports whether it was joined.
func (s *Session) Leave() bool {
	if s.state != Joined {
		return false
	}
	s.state = Unjoined
	s.room = ""
	return true
}

// Close moves the session to its terminal state and reports whether it was
// joined at the time.
func (s *Session) Close() bool {
	wasJoined := s.state == Joined
	s.state = Closed
	s.room = ""
	return wasJoined
}
