package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/rs/xid"

	"github.com/wirebound/rdt/pkg/rdt"
)

// DefaultRoom is where a fresh login lands.
const DefaultRoom = "general"

// historyLimit bounds the per-room message history ring.
const historyLimit = 100

// Server keeps the room and user registries for one chat service. All
// mutation happens under a single mutex; transport sends are performed with
// it released, since a send may re-enter the transport's own locking.
type Server struct {
	// ctx is the process context; transport callbacks carry no context of
	// their own, so logging from them uses this one.
	ctx    context.Context
	engine *rdt.Engine

	mu      sync.Mutex
	clients map[uint32]*rdt.Conn
	users   map[uint32]string
	rooms   map[string]map[uint32]struct{}
	history map[string][]Envelope
}

// NewServer wires a chat server onto the engine. rooms pre-creates rooms in
// addition to the default one.
func NewServer(ctx context.Context, engine *rdt.Engine, rooms []string) *Server {
	s := &Server{
		ctx:     ctx,
		engine:  engine,
		clients: make(map[uint32]*rdt.Conn),
		users:   make(map[uint32]string),
		rooms:   map[string]map[uint32]struct{}{DefaultRoom: {}},
		history: make(map[string][]Envelope),
	}
	for _, r := range rooms {
		if _, ok := s.rooms[r]; !ok {
			s.rooms[r] = map[uint32]struct{}{}
		}
	}
	engine.OnNewConnection(s.accept)
	return s
}

// accept runs on the transport's receive loop when a handshake completes.
func (s *Server) accept(conn *rdt.Conn) {
	cid := conn.ID()
	ctx := dlog.WithField(s.ctx, "client", cid)
	s.mu.Lock()
	s.clients[cid] = conn
	s.mu.Unlock()
	dlog.Infof(ctx, "client %d connected from %s", cid, conn.Peer())

	conn.OnMessage(func(data []byte) {
		s.process(ctx, conn, data)
	})
	conn.OnDisconnect(func(c *rdt.Conn) {
		s.dropClient(ctx, c)
	})
}

// process decodes one envelope and dispatches it.
func (s *Server) process(ctx context.Context, conn *rdt.Conn, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		dlog.Debugf(ctx, "client %d sent garbage: %v", conn.ID(), err)
		return
	}
	switch env.Type {
	case TypeLogin:
		s.handleLogin(ctx, conn, env)
	case TypeJoin:
		s.handleJoin(ctx, conn, env)
	case TypeLeave:
		s.handleLeave(ctx, conn, env)
	case TypeMsg:
		s.handleMsg(ctx, conn, env)
	case TypeDM:
		s.handleDM(ctx, conn, env)
	default:
		dlog.Debugf(ctx, "client %d sent unknown envelope type %q", conn.ID(), env.Type)
	}
}

func (s *Server) handleLogin(ctx context.Context, conn *rdt.Conn, env Envelope) {
	cid := conn.ID()
	name := env.Name
	if name == "" {
		name = fmt.Sprintf("User%d", cid)
	}
	s.mu.Lock()
	s.users[cid] = name
	s.mu.Unlock()
	dlog.Infof(ctx, "client %d logged in as %q (session %s)", cid, name, env.Session)

	s.sendTo(ctx, conn, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: "Welcome " + name + "!"})
	s.handleJoin(ctx, conn, Envelope{Type: TypeJoin, Room: DefaultRoom})
}

func (s *Server) handleJoin(ctx context.Context, conn *rdt.Conn, env Envelope) {
	if env.Room == "" {
		return
	}
	cid := conn.ID()
	name := s.username(cid)

	s.mu.Lock()
	// A user is in at most one room; leaving the old one notifies it.
	var left string
	for room, members := range s.rooms {
		if _, ok := members[cid]; ok && room != env.Room {
			delete(members, cid)
			left = room
		}
	}
	if _, ok := s.rooms[env.Room]; !ok {
		s.rooms[env.Room] = map[uint32]struct{}{}
	}
	s.rooms[env.Room][cid] = struct{}{}
	recent := s.recentLocked(env.Room)
	s.mu.Unlock()

	if left != "" {
		s.broadcast(ctx, left, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: name + " left."}, cid)
	}
	dlog.Infof(ctx, "client %d joined room %q", cid, env.Room)
	s.broadcast(ctx, env.Room, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: name + " joined " + env.Room + "."}, 0)
	for _, old := range recent {
		s.sendTo(ctx, conn, old)
	}
}

func (s *Server) handleLeave(ctx context.Context, conn *rdt.Conn, env Envelope) {
	cid := conn.ID()
	s.mu.Lock()
	members, ok := s.rooms[env.Room]
	if ok {
		_, ok = members[cid]
		delete(members, cid)
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(ctx, env.Room, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: s.username(cid) + " left " + env.Room + "."}, 0)
	}
}

func (s *Server) handleMsg(ctx context.Context, conn *rdt.Conn, env Envelope) {
	if env.Room == "" || env.Text == "" {
		return
	}
	out := Envelope{
		Type:   TypeChat,
		ID:     xid.New().String(),
		Room:   env.Room,
		Sender: s.username(conn.ID()),
		Text:   env.Text,
	}
	s.mu.Lock()
	h := append(s.history[env.Room], out)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	s.history[env.Room] = h
	s.mu.Unlock()
	s.broadcast(ctx, env.Room, out, 0)
}

func (s *Server) handleDM(ctx context.Context, conn *rdt.Conn, env Envelope) {
	if env.To == "" || env.Text == "" {
		return
	}
	from := s.username(conn.ID())
	s.mu.Lock()
	var target *rdt.Conn
	for cid, name := range s.users {
		if name == env.To {
			target = s.clients[cid]
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		s.sendTo(ctx, conn, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: "no such user: " + env.To})
		return
	}
	s.sendTo(ctx, target, Envelope{
		Type:   TypeChat,
		ID:     xid.New().String(),
		Sender: from,
		To:     env.To,
		Text:   env.Text,
	})
}

// dropClient removes every trace of a disconnected client and notifies the
// room it was in.
func (s *Server) dropClient(ctx context.Context, conn *rdt.Conn) {
	cid := conn.ID()
	name := s.username(cid)
	s.mu.Lock()
	delete(s.clients, cid)
	delete(s.users, cid)
	var was string
	for room, members := range s.rooms {
		if _, ok := members[cid]; ok {
			delete(members, cid)
			was = room
		}
	}
	s.mu.Unlock()
	dlog.Infof(ctx, "client %d (%s) disconnected", cid, name)
	if was != "" {
		s.broadcast(ctx, was, Envelope{Type: TypeInfo, ID: xid.New().String(), Msg: name + " disconnected."}, 0)
	}
}

// broadcast sends env to every member of room except exclude (0 excludes
// nobody).
func (s *Server) broadcast(ctx context.Context, room string, env Envelope, exclude uint32) {
	s.mu.Lock()
	var targets []*rdt.Conn
	for cid := range s.rooms[room] {
		if cid == exclude {
			continue
		}
		if conn, ok := s.clients[cid]; ok {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range targets {
		s.sendTo(ctx, conn, env)
	}
}

func (s *Server) sendTo(ctx context.Context, conn *rdt.Conn, env Envelope) {
	b, err := env.Encode()
	if err != nil {
		dlog.Errorf(ctx, "encode for client %d: %v", conn.ID(), err)
		return
	}
	if err := conn.Send(ctx, b); err != nil {
		dlog.Debugf(ctx, "send to client %d: %v", conn.ID(), err)
	}
}

func (s *Server) username(cid uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.users[cid]; ok {
		return name
	}
	return fmt.Sprintf("User%d", cid)
}

// recentLocked copies the history ring of a room.
func (s *Server) recentLocked(room string) []Envelope {
	return append([]Envelope(nil), s.history[room]...)
}

// Rooms lists the current room names.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		names = append(names, room)
	}
	return names
}
