package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPersistTimeout bounds a single Gateway.Create call.
const DefaultPersistTimeout = 5 * time.Second

// Options configures a Hub.
type Options struct {
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Joined      int `json:"joined"`
}

// delivery is one inbound item from a connection: a decoded event, or an
// error the transport wants answered in frame order.
type delivery struct {
	conn  Conn
	event Inbound
	err   error
}

// persistResult carries a finished gateway call back to the loop. origin is
// nil for messages published over HTTP.
type persistResult struct {
	origin Conn
	msg    StoredMessage
	err    error
}

// Hub multiplexes connections into rooms. All registry and session state is
// owned by the goroutine running Run; every other method communicates with
// it over channels.
type Hub struct {
	gateway        Gateway
	persistTimeout time.Duration
	logger         *slog.Logger

	registry *Registry
	sessions map[string]*Session

	attach   chan Conn
	detach   chan Conn
	inbound  chan delivery
	persists chan persistResult
	queries  chan func()

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub that stores messages through gateway. Call Run to
// start processing.
func NewHub(gateway Gateway, opts Options) *Hub {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		gateway:        gateway,
		persistTimeout: opts.PersistTimeout,
		logger:         opts.Logger.With("component", "hub"),
		registry:       NewRegistry(),
		sessions:       make(map[string]*Session),
		attach:         make(chan Conn),
		detach:         make(chan Conn),
		inbound:        make(chan delivery, 64),
		persists:       make(chan persistResult, 64),
		queries:        make(chan func()),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Run processes hub events until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeSessions()
			return

		case conn := <-h.attach:
			h.handleAttach(conn)

		case conn := <-h.detach:
			h.handleDetach(conn)

		case d := <-h.inbound:
			h.handleInbound(d)

		case res := <-h.persists:
			h.handlePersisted(res)

		case query := <-h.queries:
			query()
		}
	}
}

// Attach registers a new connection in the Unjoined state.
func (h *Hub) Attach(conn Conn) error {
	select {
	case h.attach <- conn:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Detach closes the connection's session, leaving its room if joined.
func (h *Hub) Detach(conn Conn) {
	select {
	case h.detach <- conn:
	case <-h.ctx.Done():
	}
}

// Dispatch hands a decoded event from conn to the hub.
func (h *Hub) Dispatch(conn Conn, ev Inbound) error {
	if h.ctx.Err() != nil {
		return ErrHubClosed
	}
	select {
	case h.inbound <- delivery{conn: conn, event: ev}:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Reject queues an error event for conn behind the events it already
// dispatched, so replies reach the client in the order its frames arrived.
func (h *Hub) Reject(conn Conn, err error) error {
	if h.ctx.Err() != nil {
		return ErrHubClosed
	}
	select {
	case h.inbound <- delivery{conn: conn, err: err}:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Publish stores a message on behalf of a client without a live connection
// and then broadcasts it to the room's current members. It returns only
// after the gateway has stored the message.
func (h *Hub) Publish(ctx context.Context, key RoomKey, userID, body string) (StoredMessage, error) {
	if err := key.Validate(); err != nil {
		return StoredMessage{}, err
	}
	if userID == "" {
		return StoredMessage{}, ErrMissingUser
	}
	if err := ValidateMessage(body); err != nil {
		return StoredMessage{}, err
	}

	msg, err := h.persist(ctx, key, userID, body)
	if err != nil {
		return StoredMessage{}, err
	}
	h.post(persistResult{msg: msg})
	return msg, nil
}

// Members returns a snapshot of a room's membership.
func (h *Hub) Members(ctx context.Context, key RoomKey) (MemberList, error) {
	var members MemberList
	err := h.query(ctx, func() {
		members = h.registry.MembersOf(key)
	})
	return members, err
}

// Stats reports the number of rooms and connections.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.query(ctx, func() {
		st = Stats{
			Rooms:       h.registry.RoomCount(),
			Connections: len(h.sessions),
			Joined:      h.registry.MemberCount(),
		}
	})
	return st, err
}

// query runs fn on the loop goroutine. The loop executes fn as soon as it
// receives it, so waiting for completion after a successful send is safe.
func (h *Hub) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
	<-done
	return nil
}

// Shutdown stops the loop, closes every attached connection and waits for
// in-flight gateway calls up to timeout. Those calls keep running under
// their own persist timeout; their results are discarded.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		return fmt.Errorf("hub loop did not stop: %w", context.DeadlineExceeded)
	}

	waited := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline:
		h.logger.Warn("hub shutdown timeout reached, persistence calls still running")
		return context.DeadlineExceeded
	}
}

func (h *Hub) handleAttach(conn Conn) {
	if conn == nil {
		h.logger.Warn("received nil connection; skipping")
		return
	}
	if _, exists := h.sessions[conn.ID()]; exists {
		return
	}
	h.sessions[conn.ID()] = NewSession(conn)
	h.logger.Debug("connection attached", "conn", conn.ID(), "connections", len(h.sessions))
}

func (h *Hub) handleDetach(conn Conn) {
	if conn == nil {
		return
	}
	s, ok := h.sessions[conn.ID()]
	if !ok {
		return
	}
	delete(h.sessions, conn.ID())
	if s.State() == Joined {
		h.leaveRoom(s)
	}
	s.Close()
	h.logger.Debug("connection detached", "conn", conn.ID(), "connections", len(h.sessions))
}

func (h *Hub) handleInbound(d delivery) {
	s, ok := h.sessions[d.conn.ID()]
	if !ok || s.State() == Closed {
		h.logger.Debug("dropping event from unknown connection", "conn", d.conn.ID())
		return
	}
	if d.err != nil {
		h.reject(d.conn, d.err)
		return
	}

	switch ev := d.event.(type) {
	case *JoinRoom:
		h.handleJoin(s, ev)
	case *LeaveRoom:
		h.handleLeave(s, ev)
	case *SendMessage:
		h.handleSend(s, ev)
	case *Typing:
		h.handleTyping(s, ev.ScheduleID, UserTyping{UserID: s.Identity().UserID, UserName: ev.UserName})
	case *StopTyping:
		h.handleTyping(s, ev.ScheduleID, UserStopTyping{UserID: s.Identity().UserID})
	default:
		h.reject(d.conn, fmt.Errorf("%w: %s", ErrUnknownEvent, d.event.Name()))
	}
}

func (h *Hub) handleJoin(s *Session, ev *JoinRoom) {
	if s.State() == Joined {
		h.leaveRoom(s)
	}

	id := Identity{UserID: ev.UserID, Name: ev.UserName, Image: ev.UserImage}
	members, err := h.registry.Join(ev.ScheduleID, s.Conn(), id)
	if err != nil {
		h.reject(s.Conn(), err)
		return
	}
	if err := s.Join(ev.ScheduleID, id); err != nil {
		h.registry.Leave(s.Conn())
		h.reject(s.Conn(), err)
		return
	}

	h.broadcast(members, UserJoined{UserID: id.UserID, UserName: id.Name}, s.Conn())
	h.broadcast(members, members.Presence(), nil)
	h.logger.Info("user joined room", "room", ev.ScheduleID, "userID", id.UserID, "members", len(members))
}

func (h *Hub) handleLeave(s *Session, ev *LeaveRoom) {
	room, ok := s.Room()
	if !ok {
		h.reject(s.Conn(), ErrNotJoined)
		return
	}
	if ev.ScheduleID != room {
		h.reject(s.Conn(), ErrRoomMismatch)
		return
	}
	h.leaveRoom(s)
}

// leaveRoom removes a joined session from its room and announces it.
func (h *Hub) leaveRoom(s *Session) {
	s.Leave()
	dep, ok := h.registry.Leave(s.Conn())
	if !ok {
		return
	}

	h.broadcast(dep.Remaining, UserLeft{UserID: dep.Member.UserID, UserName: dep.Member.Name}, nil)
	h.broadcast(dep.Remaining, dep.Remaining.Presence(), nil)
	h.logger.Info("user left room", "room", dep.Room, "userID", dep.Member.UserID, "members", len(dep.Remaining))
}

func (h *Hub) handleSend(s *Session, ev *SendMessage) {
	room, ok := s.Room()
	if !ok {
		h.reject(s.Conn(), ErrNotJoined)
		return
	}
	if ev.ScheduleID != room {
		h.reject(s.Conn(), ErrRoomMismatch)
		return
	}
	userID := s.Identity().UserID
	if ev.UserID != "" && ev.UserID != userID {
		h.reject(s.Conn(), ErrUserMismatch)
		return
	}

	origin := s.Conn()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		msg, err := h.persist(context.Background(), room, userID, ev.Message)
		h.post(persistResult{origin: origin, msg: msg, err: err})
	}()
}

// persist calls the gateway with a bounded timeout. A panicking gateway is
// reported like any other failure.
func (h *Hub) persist(ctx context.Context, key RoomKey, userID, body string) (msg StoredMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.persistTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: gateway panic: %v", ErrPersistFailed, r)
		}
	}()

	msg, err = h.gateway.Create(ctx, key, userID, body)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return msg, nil
}

func (h *Hub) post(res persistResult) {
	select {
	case h.persists <- res:
	case <-h.ctx.Done():
	}
}

func (h *Hub) handlePersisted(res persistResult) {
	if res.err != nil {
		h.logger.Warn("message not persisted", "error", res.err)
		if res.origin != nil {
			h.reject(res.origin, res.err)
		}
		return
	}

	members := h.registry.MembersOf(res.msg.RoomKey)
	delivered := h.broadcast(members, NewMessageFrom(res.msg), nil)
	h.logger.Debug("message broadcast", "room", res.msg.RoomKey, "messageID", res.msg.ID, "delivered", delivered)
}

// handleTyping relays a typing hint to the other members. Hints for a room
// the connection has not joined are dropped.
func (h *Hub) handleTyping(s *Session, key RoomKey, ev Outbound) {
	room, ok := s.Room()
	if !ok || key != room {
		h.logger.Debug("dropping typing hint", "conn", s.Conn().ID(), "room", key)
		return
	}
	if typing, isTyping := ev.(UserTyping); isTyping && typing.UserName == "" {
		typing.UserName = s.Identity().Name
		ev = typing
	}
	h.broadcast(h.registry.MembersOf(room), ev, s.Conn())
}

// broadcast delivers ev to every member except exclude and returns the
// number of accepted deliveries. A full or closing connection loses only
// its own copy.
func (h *Hub) broadcast(members MemberList, ev Outbound, exclude Conn) int {
	if len(members) == 0 {
		return 0
	}
	frame, err := Encode(ev)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "event", ev.Event(), "error", err)
		return 0
	}

	delivered := 0
	for _, m := range members {
		if exclude != nil && m.Conn.ID() == exclude.ID() {
			continue
		}
		if m.Conn.Send(frame) {
			delivered++
			continue
		}
		h.logger.Debug("dropped delivery", "conn", m.Conn.ID(), "event", ev.Event())
	}
	return delivered
}

func (h *Hub) reject(conn Conn, err error) {
	if !conn.Send(ErrorFrame(err)) {
		h.logger.Debug("dropped error event", "conn", conn.ID(), "error", err)
	}
}

// closeSessions closes every attached connection during shutdown.
func (h *Hub) closeSessions() {
	h.logger.Info("shutting down all client connections")

	for id, s := range h.sessions {
		s.Close()
		if err := s.Conn().Close(); err != nil {
			h.logger.Debug("error closing connection", "conn", id, "error", err)
		}
	}
	closed := len(h.sessions)
	h.sessions = make(map[string]*Session)
	h.registry = NewRegistry()

	h.logger.Info("closed client connections", "count", closed)
}
