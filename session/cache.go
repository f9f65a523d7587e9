// Package session caches per-peer derived symmetric keys, keyed by the
// peer's current connection id. The cache is a pure performance
// optimization: every key can always be recomputed from (own private
// key, peer public key).
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"cloak/contract"
	"cloak/domain"
	"cloak/domain/event"
)

type Cache struct {
	mu     sync.Mutex
	suite  contract.CipherSuite
	own    domain.Identity
	keys   map[domain.ConnID][]byte
	unread map[domain.ConnID]int
	log    *slog.Logger
}

func NewCache(suite contract.CipherSuite, own domain.Identity, log *slog.Logger) *Cache {
	return &Cache{
		suite:  suite,
		own:    own,
		keys:   make(map[domain.ConnID][]byte),
		unread: make(map[domain.ConnID]int),
		log:    log,
	}
}

// GetOrDerive returns the cached key for the peer's current connection
// id, deriving and caching it on first use.
func (c *Cache) GetOrDerive(peer domain.ConnID, peerPublicKey []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[peer]; ok {
		return key, nil
	}
	key, err := c.suite.DeriveSymmetricKey(c.own.PrivateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	c.keys[peer] = key
	return key, nil
}

// Migrate re-keys the cached entry when a known peer reappears under a
// new connection id. The key is moved, not rederived, and pending unread
// counters follow it. After this returns nothing is addressed by the old
// id anymore.
func (c *Cache) Migrate(evt event.PeerIdentityMigration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[evt.OldConnID]; ok {
		c.keys[evt.NewConnID] = key
		delete(c.keys, evt.OldConnID)
	}
	if count, ok := c.unread[evt.OldConnID]; ok {
		c.unread[evt.NewConnID] += count
		delete(c.unread, evt.OldConnID)
	}
	c.log.Debug("Session key migrated",
		"username", evt.Username, "from", evt.OldConnID, "to", evt.NewConnID)
}

// Forget drops the cached key for a connection id. Used on explicit
// identity regeneration of a peer, never on plain disconnect: offline
// peers keep their cached key so history stays decryptable.
func (c *Cache) Forget(peer domain.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, peer)
	delete(c.unread, peer)
}

func (c *Cache) IncrementUnread(peer domain.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread[peer]++
}

func (c *Cache) Unread(peer domain.ConnID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[peer]
}

func (c *Cache) ClearUnread(peer domain.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unread, peer)
}

// Cached reports whether a key is already present for the connection id.
func (c *Cache) Cached(peer domain.ConnID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[peer]
	return ok
}
