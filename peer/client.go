// Package peer is the client-side session layer: it owns the identity,
// the session key cache and the transfer engine, speaks the relay
// protocol, and keeps every payload encrypted before it touches the
// transport.
package peer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloak/contract"
	"cloak/domain"
	"cloak/domain/event"
	"cloak/errors"
	"cloak/session"
	"cloak/transfer"
	"cloak/wire"
)

// Transport writes one protocol frame to the relay. The websocket
// implementation lives in conn.go; tests substitute their own.
type Transport interface {
	Send(frame []byte) error
}

// Events are the optional observer hooks a front end registers. Nil
// hooks are skipped. All hooks run on the frame-handling goroutine.
type Events struct {
	OnRegistered func(connID domain.ConnID, username domain.Username)
	OnRoster     func(room domain.RoomID, peers []domain.Peer)
	OnPeerJoined func(room domain.RoomID, peer domain.Peer)
	OnPeerLeft   func(room domain.RoomID, connID domain.ConnID)
	OnMessage    func(from domain.Username, text string)
	OnTyping     func(from domain.ConnID, stop bool)
	OnFindResult func(found bool, peer domain.Peer)
	OnStats      func(stats wire.Stats)
	OnStatus     func(text string)
	OnEvicted    func(reason string)
}

type rosterEntry struct {
	peer domain.Peer
	room domain.RoomID
}

// Client ties the session pieces together over one relay connection.
type Client struct {
	mu        sync.Mutex
	log       *slog.Logger
	suite     contract.CipherSuite
	identity  domain.Identity
	transport Transport
	cache     *session.Cache
	engine    *transfer.Engine
	events    Events

	connID   domain.ConnID
	username domain.Username
	roster   map[domain.ConnID]rosterEntry
	byName   map[domain.Username]domain.ConnID
}

func NewClient(log *slog.Logger, suite contract.CipherSuite, identity domain.Identity, transport Transport, events Events) *Client {
	c := &Client{
		log:       log,
		suite:     suite,
		identity:  identity,
		transport: transport,
		cache:     session.NewCache(suite, identity, log),
		events:    events,
		roster:    make(map[domain.ConnID]rosterEntry),
		byName:    make(map[domain.Username]domain.ConnID),
	}
	c.engine = transfer.NewEngine(log, engineLink{c}, nil, transfer.DefaultChunkSize)
	return c
}

// Engine exposes the transfer engine for accept/decline/cancel commands
// and the OnFile delivery hook.
func (c *Client) Engine() *transfer.Engine { return c.engine }

// ConnID returns the connection id assigned at registration.
func (c *Client) ConnID() domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Roster returns a snapshot of the currently known online peers.
func (c *Client) Roster() []domain.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]domain.Peer, 0, len(c.roster))
	for _, entry := range c.roster {
		peers = append(peers, entry.peer)
	}
	return peers
}

// Unread returns the pending unread count for a peer's connection id.
func (c *Client) Unread(peer domain.ConnID) int {
	return c.cache.Unread(peer)
}

func (c *Client) send(name string, payload any) error {
	frame, err := wire.Encode(name, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return c.transport.Send(frame)
}

// Register claims a username with the local public key attached.
func (c *Client) Register(username domain.Username) error {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return c.send(wire.EvRegisterUser, wire.RegisterUser{
		Username:  string(username),
		PublicKey: c.suite.ExportPublic(c.identity),
	})
}

// Join enters a room; it doubles as registration on fresh connections.
func (c *Client) Join(room domain.RoomID) error {
	c.mu.Lock()
	username := c.username
	c.mu.Unlock()
	return c.send(wire.EvJoinRoom, wire.JoinRoom{
		RoomID:    string(room),
		Username:  string(username),
		PublicKey: c.suite.ExportPublic(c.identity),
	})
}

func (c *Client) Leave() error {
	return c.send(wire.EvLeaveRoom, wire.LeaveRoom{})
}

func (c *Client) Find(username domain.Username) error {
	return c.send(wire.EvFindUser, wire.FindUser{Username: string(username)})
}

func (c *Client) RequestStats() error {
	return c.send(wire.EvGetStats, wire.GetStats{})
}

func (c *Client) Typing(room domain.RoomID, stop bool) error {
	name := wire.EvTyping
	if stop {
		name = wire.EvStopTyping
	}
	return c.send(name, wire.Typing{TargetRoomID: string(room)})
}

// SendText encrypts a message for one peer and forwards it through the
// relay. The target is addressed by username; the relay resolves the
// connection id at delivery time.
func (c *Client) SendText(target domain.Username, text string) error {
	c.mu.Lock()
	connID, ok := c.byName[target]
	var entry rosterEntry
	if ok {
		entry = c.roster[connID]
	}
	sender := c.username
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", target, errors.ErrAddressUnresolved)
	}

	envelope, err := c.seal(connID, entry.peer.PublicKey, text, true)
	if err != nil {
		return err
	}
	return c.send(wire.EvSendMessage, wire.SendMessage{
		TargetUsername: string(target),
		SenderUsername: string(sender),
		Payload:        envelope,
	})
}

// Broadcast encrypts the text separately for every known room member.
// There is no shared room key; the relay sees N independent ciphertexts.
func (c *Client) Broadcast(text string) error {
	c.mu.Lock()
	targets := make([]rosterEntry, 0, len(c.roster))
	for _, entry := range c.roster {
		targets = append(targets, entry)
	}
	sender := c.username
	c.mu.Unlock()

	var errs []error
	for _, entry := range targets {
		envelope, err := c.seal(entry.peer.ConnID, entry.peer.PublicKey, text, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = c.send(wire.EvSendMessage, wire.SendMessage{
			TargetConnID:   string(entry.peer.ConnID),
			SenderUsername: string(sender),
			Payload:        envelope,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// OfferFile proposes content to every currently known room member.
func (c *Client) OfferFile(ctx context.Context, fileName string, content []byte) ([]domain.TransferID, error) {
	c.mu.Lock()
	peers := make([]domain.ConnID, 0, len(c.roster))
	for id := range c.roster {
		peers = append(peers, id)
	}
	c.mu.Unlock()
	if len(peers) == 0 {
		return nil, fmt.Errorf("offer %q: %w", fileName, errors.ErrAddressUnresolved)
	}
	return c.engine.OfferFile(ctx, peers, fileName, content)
}

// OfferFileTo proposes content to one peer addressed by username.
func (c *Client) OfferFileTo(ctx context.Context, target domain.Username, fileName string, content []byte) ([]domain.TransferID, error) {
	c.mu.Lock()
	connID, ok := c.byName[target]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("offer %q to %s: %w", fileName, target, errors.ErrAddressUnresolved)
	}
	return c.engine.OfferFile(ctx, []domain.ConnID{connID}, fileName, content)
}

func (c *Client) seal(peer domain.ConnID, peerPublicKey []byte, text string, direct bool) (domain.Envelope, error) {
	key, err := c.cache.GetOrDerive(peer, peerPublicKey)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("seal for %s: %w", peer, err)
	}
	ciphertext, nonce, err := c.suite.Seal(key, []byte(text))
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("seal for %s: %w", peer, err)
	}
	return domain.Envelope{
		ID:              uuid.New(),
		Timestamp:       time.Now().UTC(),
		SenderPublicKey: c.identity.PublicKey,
		Ciphertext:      ciphertext,
		Nonce:           nonce,
		IsDirect:        direct,
	}, nil
}

// Handle processes one frame from the relay. Unknown events and failed
// decryptions are logged and dropped; neither crashes the session.
func (c *Client) Handle(ctx context.Context, frame []byte) error {
	name, payload, err := wire.Decode(frame)
	if err != nil {
		c.log.Debug("Dropping undecodable frame", "event", name, "error", err)
		return nil
	}

	switch evt := payload.(type) {
	case wire.Registered:
		c.mu.Lock()
		c.connID = domain.ConnID(evt.ConnID)
		c.username = domain.Username(evt.Username)
		c.mu.Unlock()
		c.notifyRegistered(domain.ConnID(evt.ConnID), domain.Username(evt.Username))

	case wire.RoomUsers:
		c.applyRoster(domain.RoomID(evt.RoomID), evt.Users)

	case wire.UserJoined:
		c.applyJoin(domain.RoomID(evt.RoomID), evt.User)

	case wire.UserLeft:
		c.applyLeave(domain.RoomID(evt.RoomID), domain.ConnID(evt.ConnID))

	case wire.FindUserResult:
		c.applyFindResult(evt)

	case wire.EncryptedMessage:
		c.applyMessage(evt)

	case wire.Typing:
		if c.events.OnTyping != nil {
			c.events.OnTyping(domain.ConnID(evt.SenderConnID), evt.Stop)
		}

	case wire.FileOffer:
		c.engine.HandleOffer(ctx, domain.ConnID(evt.SenderConnID), transfer.Offer{
			TransferID:  domain.TransferID(evt.TransferID),
			FileName:    evt.FileName,
			FileSize:    evt.FileSize,
			FileType:    evt.FileType,
			TotalChunks: evt.TotalChunks,
		})

	case wire.FileAccept:
		if err := c.engine.HandleAccept(ctx, domain.TransferID(evt.TransferID)); err != nil {
			c.log.Debug("File accept dropped", "transfer", evt.TransferID, "error", err)
		}

	case wire.FileDecline:
		if err := c.engine.HandleDecline(ctx, domain.TransferID(evt.TransferID)); err != nil {
			c.log.Debug("File decline dropped", "transfer", evt.TransferID, "error", err)
		}

	case wire.FileChunk:
		c.applyChunk(ctx, evt)

	case wire.FileComplete:
		if err := c.engine.HandleComplete(ctx, domain.TransferID(evt.TransferID)); err != nil {
			c.status(fmt.Sprintf("transfer %s failed: %v", evt.TransferID, err))
		}

	case wire.FileCancel:
		if err := c.engine.HandleCancel(ctx, domain.TransferID(evt.TransferID)); err != nil {
			c.log.Debug("File cancel dropped", "transfer", evt.TransferID, "error", err)
		}

	case wire.Stats:
		if c.events.OnStats != nil {
			c.events.OnStats(evt)
		}

	case wire.ErrorNotice:
		c.status(evt.Reason)

	case wire.ForceUpdate:
		c.status(fmt.Sprintf("client version below minimum %d, update required", evt.MinVersion))

	case wire.SoftUpdate:
		c.status(fmt.Sprintf("newer client version %d available", evt.LatestVersion))

	case wire.Evicted:
		if c.events.OnEvicted != nil {
			c.events.OnEvicted(evt.Reason)
		}

	default:
		c.log.Debug("Unhandled event", "event", name)
	}
	return nil
}

func (c *Client) applyRoster(room domain.RoomID, users []wire.User) {
	peers := make([]domain.Peer, 0, len(users))
	c.mu.Lock()
	for _, u := range users {
		peer, err := c.addPeerLocked(room, u)
		if err != nil {
			c.log.Warn("Skipping roster entry with bad key", "username", u.Username, "error", err)
			continue
		}
		peers = append(peers, peer)
	}
	c.mu.Unlock()

	if c.events.OnRoster != nil {
		c.events.OnRoster(room, peers)
	}
}

func (c *Client) applyJoin(room domain.RoomID, u wire.User) {
	c.mu.Lock()
	previous, known := c.byName[domain.Username(u.Username)]
	peer, err := c.addPeerLocked(room, u)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("Ignoring join with bad key", "username", u.Username, "error", err)
		return
	}

	// A known username under a new connection id is a reconnect: one
	// migration event re-keys everything that addressed the old id.
	if known && previous != peer.ConnID {
		migration := event.PeerIdentityMigration{
			Username:  peer.Username,
			OldConnID: previous,
			NewConnID: peer.ConnID,
			PublicKey: peer.PublicKey,
		}
		c.cache.Migrate(migration)
		c.engine.Migrate(migration)
		c.mu.Lock()
		delete(c.roster, previous)
		c.mu.Unlock()
	}

	if c.events.OnPeerJoined != nil {
		c.events.OnPeerJoined(room, peer)
	}
}

func (c *Client) addPeerLocked(room domain.RoomID, u wire.User) (domain.Peer, error) {
	publicKey, err := c.suite.ImportPublic(u.PublicKey)
	if err != nil {
		return domain.Peer{}, fmt.Errorf("import key of %s: %w", u.Username, err)
	}
	peer := domain.Peer{
		ConnID:    domain.ConnID(u.ConnID),
		Username:  domain.Username(u.Username),
		PublicKey: publicKey,
		Online:    true,
	}
	c.roster[peer.ConnID] = rosterEntry{peer: peer, room: room}
	c.byName[peer.Username] = peer.ConnID
	return peer, nil
}

func (c *Client) applyLeave(room domain.RoomID, connID domain.ConnID) {
	c.mu.Lock()
	if entry, ok := c.roster[connID]; ok {
		delete(c.roster, connID)
		// Only drop the name mapping if it still points at this
		// connection; a reclaim may already have moved it.
		if c.byName[entry.peer.Username] == connID {
			delete(c.byName, entry.peer.Username)
		}
	}
	c.mu.Unlock()

	// The session key stays cached: history from an offline peer must
	// remain decryptable.
	if c.events.OnPeerLeft != nil {
		c.events.OnPeerLeft(room, connID)
	}
}

func (c *Client) applyFindResult(evt wire.FindUserResult) {
	var peer domain.Peer
	if evt.Found && evt.User != nil {
		c.mu.Lock()
		p, err := c.addPeerLocked("", *evt.User)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("Find result carried bad key", "username", evt.User.Username, "error", err)
			return
		}
		peer = p
	}
	if c.events.OnFindResult != nil {
		c.events.OnFindResult(evt.Found, peer)
	}
}

// applyMessage decrypts an inbound envelope. The sender's public key
// travels inside the envelope, so decryption works even before the
// sender shows up in any roster. A failed decryption is a stale or
// unknown key, reported as status and otherwise discarded.
func (c *Client) applyMessage(evt wire.EncryptedMessage) {
	sender := domain.ConnID(evt.SenderConnID)
	key, err := c.cache.GetOrDerive(sender, evt.Payload.SenderPublicKey)
	if err != nil {
		c.status(fmt.Sprintf("message from %s dropped: %v", evt.SenderUsername, errors.ErrCryptoFailure))
		return
	}
	plaintext, err := c.suite.Open(key, evt.Payload.Ciphertext, evt.Payload.Nonce)
	if err != nil {
		c.status(fmt.Sprintf("message from %s dropped: %v", evt.SenderUsername, errors.ErrCryptoFailure))
		return
	}

	c.cache.IncrementUnread(sender)
	if c.events.OnMessage != nil {
		c.events.OnMessage(domain.Username(evt.SenderUsername), string(plaintext))
	}
}

func (c *Client) applyChunk(ctx context.Context, evt wire.FileChunk) {
	sender := domain.ConnID(evt.SenderConnID)
	key, ok := c.sessionKeyFor(sender)
	if !ok {
		c.log.Debug("Chunk from peer without session key dropped", "transfer", evt.TransferID)
		return
	}
	plaintext, err := c.suite.Open(key, evt.Data, evt.Nonce)
	if err != nil {
		c.status(fmt.Sprintf("chunk %d of %s dropped: %v", evt.ChunkID, evt.TransferID, errors.ErrCryptoFailure))
		return
	}
	if err := c.engine.HandleChunk(ctx, domain.TransferID(evt.TransferID), evt.ChunkID, plaintext); err != nil {
		c.log.Debug("Chunk dropped", "transfer", evt.TransferID, "chunk", evt.ChunkID, "error", err)
	}
}

func (c *Client) sessionKeyFor(peer domain.ConnID) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.roster[peer]
	c.mu.Unlock()
	if !ok {
		if !c.cache.Cached(peer) {
			return nil, false
		}
		// Cached key survives the peer leaving the roster.
		key, err := c.cache.GetOrDerive(peer, nil)
		if err != nil {
			return nil, false
		}
		return key, true
	}
	key, err := c.cache.GetOrDerive(peer, entry.peer.PublicKey)
	if err != nil {
		return nil, false
	}
	return key, true
}

func (c *Client) notifyRegistered(connID domain.ConnID, username domain.Username) {
	if c.events.OnRegistered != nil {
		c.events.OnRegistered(connID, username)
	}
}

func (c *Client) status(text string) {
	if c.events.OnStatus != nil {
		c.events.OnStatus(text)
	}
}

// engineLink adapts the client to the transfer engine's outbound
// contract, sealing chunk data with the per-peer session key.
type engineLink struct {
	c *Client
}

var _ transfer.Outbound = engineLink{}

func (l engineLink) SendOffer(peer domain.ConnID, offer transfer.Offer) error {
	return l.c.send(wire.EvFileOffer, wire.FileOffer{
		TargetConnID: string(peer),
		TransferID:   string(offer.TransferID),
		FileName:     offer.FileName,
		FileSize:     offer.FileSize,
		FileType:     offer.FileType,
		TotalChunks:  offer.TotalChunks,
	})
}

func (l engineLink) SendAccept(peer domain.ConnID, id domain.TransferID) error {
	return l.c.send(wire.EvFileAccept, wire.FileAccept{TargetConnID: string(peer), TransferID: string(id)})
}

func (l engineLink) SendDecline(peer domain.ConnID, id domain.TransferID) error {
	return l.c.send(wire.EvFileDecline, wire.FileDecline{TargetConnID: string(peer), TransferID: string(id)})
}

func (l engineLink) SendChunk(peer domain.ConnID, id domain.TransferID, index int, data []byte) error {
	key, ok := l.c.sessionKeyFor(peer)
	if !ok {
		return fmt.Errorf("chunk %d of %s: %w", index, id, errors.ErrAddressUnresolved)
	}
	ciphertext, nonce, err := l.c.suite.Seal(key, data)
	if err != nil {
		return fmt.Errorf("chunk %d of %s: %w", index, id, err)
	}
	return l.c.send(wire.EvFileChunk, wire.FileChunk{
		TargetConnID: string(peer),
		TransferID:   string(id),
		ChunkID:      index,
		Data:         ciphertext,
		Nonce:        nonce,
	})
}

func (l engineLink) SendComplete(peer domain.ConnID, id domain.TransferID) error {
	return l.c.send(wire.EvFileComplete, wire.FileComplete{TargetConnID: string(peer), TransferID: string(id)})
}

func (l engineLink) SendCancel(peer domain.ConnID, id domain.TransferID) error {
	return l.c.send(wire.EvFileCancel, wire.FileCancel{TargetConnID: string(peer), TransferID: string(id)})
}
