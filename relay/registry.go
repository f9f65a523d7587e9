// Package relay implements the presence-and-transfer protocol server:
// registry, admission control, and the websocket front end. The relay
// never sees plaintext; every payload it forwards is opaque.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"cloak/domain"
	"cloak/errors"
)

// DefaultRoomGrace absorbs page-refresh churn: an empty room survives
// this long before deletion.
const DefaultRoomGrace = 10 * time.Second

// Member is a directory entry. The public key stays in its wire form;
// the relay has no reason to decode it.
type Member struct {
	ConnID    domain.ConnID
	Username  domain.Username
	PublicKey string
}

type dirEntry struct {
	connID    domain.ConnID
	publicKey string
	origin    string
}

type roomState struct {
	room        *domain.Room
	deleteTimer *time.Timer
}

// Registry tracks room membership and the global username directory.
// One mutex serializes all of it: register/reclaim and join/leave touch
// the directory and a room in the same critical section, so a single
// lock keeps the last-registration-wins resolution deterministic.
// Contention is bounded by the admission connection caps.
type Registry struct {
	mu        sync.Mutex
	log       *slog.Logger
	grace     time.Duration
	directory map[domain.Username]dirEntry
	byConn    map[domain.ConnID]domain.Username
	rooms     map[domain.RoomID]*roomState
	connRoom  map[domain.ConnID]domain.RoomID
}

func NewRegistry(log *slog.Logger, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultRoomGrace
	}
	return &Registry{
		log:       log,
		grace:     grace,
		directory: make(map[domain.Username]dirEntry),
		byConn:    make(map[domain.ConnID]domain.Username),
		rooms:     make(map[domain.RoomID]*roomState),
		connRoom:  make(map[domain.ConnID]domain.RoomID),
	}
}

// RegisterResult reports the outcome of a successful registration,
// including which connection was evicted by the reclaim rule, if any.
type RegisterResult struct {
	Evicted        domain.ConnID
	EvictedRoom    domain.RoomID
	EvictedHadRoom bool
}

// Register claims a username for a connection.
//
// Reclaim rule: if the username is already held by a connection from the
// same originating address, the old connection is evicted and the new
// one takes over (reconnect continuity). A different origin is a naming
// collision and is rejected. Same-origin-as-proof-of-identity is weak
// behind shared NATs and proxies; a stronger proof would require key
// possession in the protocol itself.
func (r *Registry) Register(conn domain.ConnID, username domain.Username, publicKey, origin string) (RegisterResult, error) {
	if err := ValidateUsername(string(username)); err != nil {
		return RegisterResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result RegisterResult
	if existing, ok := r.directory[username]; ok && existing.connID != conn {
		if existing.origin != origin {
			return RegisterResult{}, errors.ErrUsernameTaken
		}
		result.Evicted = existing.connID
		result.EvictedRoom, result.EvictedHadRoom = r.removeConnLocked(existing.connID)
	}

	// A connection holds at most one username.
	if previous, ok := r.byConn[conn]; ok && previous != username {
		delete(r.directory, previous)
	}

	r.directory[username] = dirEntry{connID: conn, publicKey: publicKey, origin: origin}
	r.byConn[conn] = username
	r.log.Debug("User registered", "username", username, "conn", conn)
	return result, nil
}

// Unregister drops a connection entirely: directory entry and room
// membership. Returns the room it left, if any, for broadcasting.
func (r *Registry) Unregister(conn domain.ConnID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeConnLocked(conn)
}

func (r *Registry) removeConnLocked(conn domain.ConnID) (domain.RoomID, bool) {
	if username, ok := r.byConn[conn]; ok {
		// Only the authoritative holder removes the directory entry;
		// an evicted connection must not erase its successor.
		if entry, exists := r.directory[username]; exists && entry.connID == conn {
			delete(r.directory, username)
		}
		delete(r.byConn, conn)
	}
	return r.leaveLocked(conn)
}

// Join puts a registered connection into a room and returns the members
// that were already there.
func (r *Registry) Join(conn domain.ConnID, roomID domain.RoomID) ([]Member, error) {
	if err := ValidateRoomID(string(roomID)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn]; !ok {
		return nil, errors.ErrNotRegistered
	}

	// Moving between rooms is an implicit leave.
	if current, ok := r.connRoom[conn]; ok && current != roomID {
		r.leaveLocked(conn)
	}

	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{room: domain.NewRoom(roomID)}
		r.rooms[roomID] = rs
		r.log.Info("Room created", "room", roomID)
	}
	if rs.deleteTimer != nil {
		rs.deleteTimer.Stop()
		rs.deleteTimer = nil
	}

	existing := r.membersLocked(rs, conn)
	rs.room.Join(conn)
	r.connRoom[conn] = roomID
	return existing, nil
}

// Leave removes a connection from its room. When the member set becomes
// empty the room deletion is scheduled after the grace period; a rejoin
// before it fires cancels the deletion.
func (r *Registry) Leave(conn domain.ConnID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(conn)
}

func (r *Registry) leaveLocked(conn domain.ConnID) (domain.RoomID, bool) {
	roomID, ok := r.connRoom[conn]
	if !ok {
		return "", false
	}
	delete(r.connRoom, conn)

	rs, ok := r.rooms[roomID]
	if !ok {
		return roomID, true
	}
	rs.room.Leave(conn)

	if rs.room.Empty() {
		if rs.deleteTimer != nil {
			rs.deleteTimer.Stop()
		}
		rs.deleteTimer = time.AfterFunc(r.grace, func() {
			r.reapRoom(roomID)
		})
	}
	return roomID, true
}

// reapRoom deletes a room if it is still empty once the grace period
// elapsed. Membership is re-checked under the lock: a rejoin that raced
// the timer wins.
func (r *Registry) reapRoom(roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok || !rs.room.Empty() {
		return
	}
	delete(r.rooms, roomID)
	r.log.Info("Room deleted after grace period", "room", roomID)
}

// Resolve maps a username to its current connection id at send time.
func (r *Registry) Resolve(username domain.Username) (domain.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.directory[username]
	return entry.connID, ok
}

// Lookup returns the full directory entry for a username.
func (r *Registry) Lookup(username domain.Username) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.directory[username]
	if !ok {
		return Member{}, false
	}
	return Member{ConnID: entry.connID, Username: username, PublicKey: entry.publicKey}, true
}

// UsernameOf returns the username registered for a connection.
func (r *Registry) UsernameOf(conn domain.ConnID) (domain.Username, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	username, ok := r.byConn[conn]
	return username, ok
}

// RoomOf returns the room a connection currently sits in.
func (r *Registry) RoomOf(conn domain.ConnID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.connRoom[conn]
	return roomID, ok
}

// MembersOf returns the members of a room, excluding one connection.
func (r *Registry) MembersOf(roomID domain.RoomID, exclude domain.ConnID) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return r.membersLocked(rs, exclude)
}

func (r *Registry) membersLocked(rs *roomState, exclude domain.ConnID) []Member {
	var members []Member
	for _, id := range rs.room.MemberIDs() {
		if id == exclude {
			continue
		}
		username, ok := r.byConn[id]
		if !ok {
			continue
		}
		entry := r.directory[username]
		members = append(members, Member{ConnID: id, Username: username, PublicKey: entry.publicKey})
	}
	return members
}

// HasRoom reports room existence (grace-pending rooms still exist).
func (r *Registry) HasRoom(roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Registry) ActiveUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
