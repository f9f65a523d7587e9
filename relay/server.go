package relay

import (
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"cloak/domain"
	"cloak/errors"
	"cloak/wire"
)

type Config struct {
	MaxConnections  int
	MaxPerOrigin    int
	EventsPerWindow int
	RateWindow      time.Duration
	MaxFrameBytes   int64
	MaxChunkBytes   int
	RoomGrace       time.Duration
	MinVersion      int
	LatestVersion   int
	SendBuffer      int
}

func (c *Config) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.MaxPerOrigin <= 0 {
		c.MaxPerOrigin = 8
	}
	if c.EventsPerWindow <= 0 {
		c.EventsPerWindow = 50
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 512 * 1024
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 256 * 1024
	}
	if c.RoomGrace <= 0 {
		c.RoomGrace = DefaultRoomGrace
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
}

type client struct {
	id      domain.ConnID
	origin  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *RateLimiter

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Server is the websocket front end: it upgrades connections, gates them
// through admission control, and dispatches decoded protocol events.
type Server struct {
	log      *slog.Logger
	cfg      Config
	registry *Registry
	gate     *Gatekeeper
	versions VersionGate
	stats    *Stats
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[domain.ConnID]*client
}

func NewServer(log *slog.Logger, cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		log:      log,
		cfg:      cfg,
		registry: NewRegistry(log, cfg.RoomGrace),
		gate:     NewGatekeeper(cfg.MaxConnections, cfg.MaxPerOrigin),
		versions: VersionGate{Min: cfg.MinVersion, Latest: cfg.LatestVersion},
		stats:    NewStats(),
		upgrader: websocket.Upgrader{
			// Application payloads are ciphertext; cross-origin pages
			// learn nothing they could not learn by connecting directly.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[domain.ConnID]*client),
	}
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Stats() *Stats      { return s.stats }

// HandleWS is the single websocket endpoint. The version gate runs
// before admission, admission before anything else.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	version := parseVersion(r.URL.Query().Get("v"))
	origin := originOf(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.versions.Check(version) == VersionRejected {
		s.writeDirect(conn, wire.EvForceUpdate, wire.ForceUpdate{MinVersion: s.versions.Min})
		_ = conn.Close()
		return
	}

	if err := s.gate.Admit(origin); err != nil {
		s.writeDirect(conn, wire.EvError, wire.ErrorNotice{Reason: err.Error()})
		_ = conn.Close()
		return
	}
	defer s.gate.Release(origin)

	c := &client{
		id:      domain.ConnID(uuid.NewString()),
		origin:  origin,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		limiter: NewRateLimiter(s.cfg.EventsPerWindow, s.cfg.RateWindow),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go c.writePump()

	if s.versions.Check(version) == VersionOutdated {
		s.push(c, wire.EvSoftUpdate, wire.SoftUpdate{LatestVersion: s.versions.Latest})
	}

	s.log.Debug("Connection established", "conn", c.id, "origin", origin)
	s.readPump(c)
	s.drop(c)
}

// drop tears a connection down and broadcasts its departure.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if roomID, ok := s.registry.Unregister(c.id); ok {
		s.broadcastRoom(roomID, c.id, wire.EvUserLeft, wire.UserLeft{RoomID: string(roomID), ConnID: string(c.id)})
	}
	close(c.send)
	c.close()
	s.log.Debug("Connection dropped", "conn", c.id)
}

func (s *Server) readPump(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Event-rate admission: excess events inside the window are
		// dropped, not queued, not errored back.
		if !c.limiter.Allow() {
			continue
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	name, decoded, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("Dropping undecodable frame", "conn", c.id, "event", name, "error", err)
		return
	}

	switch evt := decoded.(type) {
	case wire.RegisterUser:
		s.handleRegister(c, domain.Username(evt.Username), evt.PublicKey)
	case wire.JoinRoom:
		s.handleJoin(c, evt)
	case wire.LeaveRoom:
		s.handleLeave(c)
	case wire.FindUser:
		s.handleFindUser(c, domain.Username(evt.Username))
	case wire.SendMessage:
		s.handleSendMessage(c, evt)
	case wire.FileOffer:
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileOffer, evt)
	case wire.FileAccept:
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileAccept, evt)
	case wire.FileDecline:
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileDecline, evt)
	case wire.FileChunk:
		// Memory-safety ceiling, independent of transfer bookkeeping:
		// an oversized chunk dies here without being forwarded.
		if len(evt.Data) > s.cfg.MaxChunkBytes {
			s.log.Warn("Dropping oversized chunk", "conn", c.id, "bytes", len(evt.Data))
			return
		}
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileChunk, evt)
	case wire.FileComplete:
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileComplete, evt)
	case wire.FileCancel:
		evt.SenderConnID = string(c.id)
		s.forward(c, evt.TargetConnID, "", wire.EvFileCancel, evt)
	case wire.Typing:
		s.handleTyping(c, evt)
	case wire.GetStats:
		s.handleGetStats(c)
	default:
		s.log.Debug("Unhandled event", "conn", c.id, "event", name)
	}
}

func (s *Server) handleRegister(c *client, username domain.Username, publicKey string) {
	result, err := s.registry.Register(c.id, username, publicKey, c.origin)
	if stderrors.Is(err, errors.ErrInvalidUsername) {
		// Inline rejection; the connection stays open.
		s.push(c, wire.EvError, wire.ErrorNotice{Reason: err.Error()})
		return
	}
	if stderrors.Is(err, errors.ErrUsernameTaken) {
		// Naming collision closes the connection.
		s.push(c, wire.EvError, wire.ErrorNotice{Reason: err.Error()})
		s.scheduleClose(c)
		return
	}
	if err != nil {
		s.push(c, wire.EvError, wire.ErrorNotice{Reason: err.Error()})
		return
	}

	if result.Evicted != "" {
		s.evict(result)
	}

	s.stats.RecordVisit()
	s.push(c, wire.EvRegistered, wire.Registered{ConnID: string(c.id), Username: string(username)})
}

// evict notifies and disconnects a connection replaced by the same-origin
// reclaim rule.
func (s *Server) evict(result RegisterResult) {
	s.mu.RLock()
	old, ok := s.clients[result.Evicted]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.push(old, wire.EvEvicted, wire.Evicted{Reason: "username reclaimed by a newer connection"})
	if result.EvictedHadRoom {
		s.broadcastRoom(result.EvictedRoom, result.Evicted, wire.EvUserLeft,
			wire.UserLeft{RoomID: string(result.EvictedRoom), ConnID: string(result.Evicted)})
	}
	s.scheduleClose(old)
	s.log.Info("Evicted stale connection", "conn", result.Evicted)
}

func (s *Server) handleJoin(c *client, evt wire.JoinRoom) {
	// join-room doubles as registration for clients that skip the
	// explicit register-user round trip.
	if _, registered := s.registry.UsernameOf(c.id); !registered && evt.Username != "" {
		s.handleRegister(c, domain.Username(evt.Username), evt.PublicKey)
		if _, ok := s.registry.UsernameOf(c.id); !ok {
			return
		}
	}

	existing, err := s.registry.Join(c.id, domain.RoomID(evt.RoomID))
	if err != nil {
		s.push(c, wire.EvError, wire.ErrorNotice{Reason: err.Error()})
		return
	}

	users := lo.Map(existing, func(m Member, _ int) wire.User {
		return wire.User{ConnID: string(m.ConnID), Username: string(m.Username), PublicKey: m.PublicKey}
	})
	s.push(c, wire.EvRoomUsers, wire.RoomUsers{RoomID: evt.RoomID, Users: users})

	username, _ := s.registry.UsernameOf(c.id)
	self, _ := s.registry.Lookup(username)
	s.broadcastRoom(domain.RoomID(evt.RoomID), c.id, wire.EvUserJoined, wire.UserJoined{
		RoomID: evt.RoomID,
		User:   wire.User{ConnID: string(c.id), Username: string(username), PublicKey: self.PublicKey},
	})
}

func (s *Server) handleLeave(c *client) {
	roomID, ok := s.registry.Leave(c.id)
	if !ok {
		return
	}
	s.broadcastRoom(roomID, c.id, wire.EvUserLeft, wire.UserLeft{RoomID: string(roomID), ConnID: string(c.id)})
}

func (s *Server) handleFindUser(c *client, username domain.Username) {
	member, found := s.registry.Lookup(username)
	result := wire.FindUserResult{Found: found}
	if found {
		result.User = &wire.User{
			ConnID:    string(member.ConnID),
			Username:  string(member.Username),
			PublicKey: member.PublicKey,
		}
	}
	s.push(c, wire.EvFindUserResult, result)
}

// handleSendMessage forwards an envelope without touching its contents.
// Username targets resolve at send time, which is what lets messaging
// survive peer reconnects transparently.
func (s *Server) handleSendMessage(c *client, evt wire.SendMessage) {
	out := wire.EncryptedMessage{
		SenderConnID:   string(c.id),
		SenderUsername: evt.SenderUsername,
		Payload:        evt.Payload,
	}
	s.forward(c, evt.TargetConnID, evt.TargetUsername, wire.EvEncryptedMessage, out)
}

func (s *Server) handleTyping(c *client, evt wire.Typing) {
	name := wire.EvTyping
	if evt.Stop {
		name = wire.EvStopTyping
	}
	evt.SenderConnID = string(c.id)
	if evt.TargetRoomID != "" {
		s.broadcastRoom(domain.RoomID(evt.TargetRoomID), c.id, name, evt)
		return
	}
	s.forward(c, evt.TargetConnID, "", name, evt)
}

func (s *Server) handleGetStats(c *client) {
	snapshot := s.stats.Snapshot()
	s.push(c, wire.EvStats, wire.Stats{
		TotalVisits: snapshot.TotalVisits,
		ActiveUsers: s.registry.ActiveUsers(),
		StartTime:   snapshot.StartTime,
		RSSBytes:    snapshot.RSSBytes,
		CPUPercent:  snapshot.CPUPercent,
	})
}

// forward resolves the target and pushes the event. Unresolved targets
// are dropped silently: forwarding is best-effort and the sender is
// never blocked on it.
func (s *Server) forward(from *client, targetConnID, targetUsername string, name string, payload any) {
	target := domain.ConnID(targetConnID)
	if target == "" && targetUsername != "" {
		resolved, ok := s.registry.Resolve(domain.Username(targetUsername))
		if !ok {
			s.log.Debug("Unresolved username, dropping", "from", from.id, "username", targetUsername, "event", name)
			return
		}
		target = resolved
	}

	s.mu.RLock()
	c, ok := s.clients[target]
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("Unresolved connection, dropping", "from", from.id, "target", target, "event", name)
		return
	}
	s.push(c, name, payload)
}

func (s *Server) broadcastRoom(roomID domain.RoomID, exclude domain.ConnID, name string, payload any) {
	members := s.registry.MembersOf(roomID, exclude)
	if len(members) == 0 {
		return
	}
	frame, err := wire.Encode(name, payload)
	if err != nil {
		s.log.Error("Encode failed", "event", name, "error", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range members {
		if c, ok := s.clients[m.ConnID]; ok {
			s.enqueue(c, frame)
		}
	}
}

func (s *Server) push(c *client, name string, payload any) {
	frame, err := wire.Encode(name, payload)
	if err != nil {
		s.log.Error("Encode failed", "event", name, "error", err)
		return
	}
	s.enqueue(c, frame)
}

// enqueue drops the frame when the client's buffer is full. Slow readers
// lose events rather than stall the relay.
func (s *Server) enqueue(c *client, frame []byte) {
	defer func() {
		// The send channel closes during drop; a racing push is a lost
		// frame to a dead connection, nothing more.
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
		s.log.Warn("Send buffer full, dropping frame", "conn", c.id)
	}
}

// scheduleClose closes after the write pump has had a chance to flush
// the final notice.
func (s *Server) scheduleClose(c *client) {
	time.AfterFunc(100*time.Millisecond, c.close)
}

func (c *client) writePump() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// writeDirect is for pre-admission notices, before a write pump exists.
func (s *Server) writeDirect(conn *websocket.Conn, name string, payload any) {
	frame, err := wire.Encode(name, payload)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func parseVersion(raw string) int {
	if raw == "" {
		return 0
	}
	version := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		version = version*10 + int(r-'0')
	}
	return version
}

// originOf extracts the originating network address, without the port.
func originOf(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
