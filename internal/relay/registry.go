package relay

// Conn is a live client connection as seen by the Hub.
type Conn interface {
	// ID returns an identifier unique among open connections.
	ID() string
	// Send queues a frame without blocking and reports whether it was
	// accepted. A closing connection returns false.
	Send(frame []byte) bool
	Close() error
}

// Identity is the user bound to a connection at join time.
type Identity struct {
	UserID string
	Name   string
	Image  string
}

// Member is a connection's presence record within a room.
type Member struct {
	Conn Conn
	Identity
}

// Presence returns the users-online entry for m.
func (m Member) Presence() Presence {
	return Presence{UserID: m.UserID, UserName: m.Name, UserImage: m.Image}
}

// MemberList is the ordered membership of a room, oldest first.
type MemberList []Member

// Presence returns the users-online payload for l.
func (l MemberList) Presence() UsersOnline {
	online := make(UsersOnline, 0, len(l))
	for _, m := range l {
		online = append(online, m.Presence())
	}
	return online
}

// Contains reports whether conn is in l.
func (l MemberList) Contains(conn Conn) bool {
	for _, m := range l {
		if m.Conn.ID() == conn.ID() {
			return true
		}
	}
	return false
}

func (l MemberList) clone() MemberList {
	if len(l) == 0 {
		return MemberList{}
	}
	out := make(MemberList, len(l))
	copy(out, l)
	return out
}

// Departure describes the result of a successful Leave.
type Departure struct {
	Room      RoomKey
	Member    Member
	Remaining MemberList
}

// Registry tracks which connections belong to which room. A room key is
// present iff at least one member is in it.
//
// Registry is not safe for concurrent use; the Hub confines it to its loop
// goroutine.
type Registry struct {
	rooms  map[RoomKey]MemberList
	byConn map[string]RoomKey
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[RoomKey]MemberList),
		byConn: make(map[string]RoomKey),
	}
}

// Join adds conn to the room, creating the room on first use, and returns
// the updated membership. A connection may be in one room at a time.
func (r *Registry) Join(key RoomKey, conn Conn, id Identity) (MemberList, error) {
	if _, ok := r.byConn[conn.ID()]; ok {
		return nil, ErrAlreadyJoined
	}
	members := append(r.rooms[key], Member{Conn: conn, Identity: id})
	r.rooms[key] = members
	r.byConn[conn.ID()] = key
	return members.clone(), nil
}

// Leave removes conn from its room and deletes the room when it becomes
// empty. It returns false if conn was not in any room.
func (r *Registry) Leave(conn Conn) (Departure, bool) {
	key, ok := r.byConn[conn.ID()]
	if !ok {
		return Departure{}, false
	}
	delete(r.byConn, conn.ID())

	members := r.rooms[key]
	dep := Departure{Room: key}
	remaining := make(MemberList, 0, len(members))
	for _, m := range members {
		if m.Conn.ID() == conn.ID() {
			dep.Member = m
			continue
		}
		remaining = append(remaining, m)
	}

	if len(remaining) == 0 {
		delete(r.rooms, key)
	} else {
		r.rooms[key] = remaining
	}
	dep.Remaining = remaining.clone()
	return dep, true
}

// MembersOf returns a snapshot of the room's members.
func (r *Registry) MembersOf(key RoomKey) MemberList {
	return r.rooms[key].clone()
}

// RoomOf returns the room conn is in.
func (r *Registry) RoomOf(conn Conn) (RoomKey, bool) {
	key, ok := r.byConn[conn.ID()]
	return key, ok
}

// Has reports whether the room currently exists.
func (r *Registry) Has(key RoomKey) bool {
	_, ok := r.rooms[key]
	return ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int { return len(r.rooms) }

// MemberCount returns the number of joined connections across all rooms.
func (r *Registry) MemberCount() int { return len(r.byConn) }
