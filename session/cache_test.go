package session

import (
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"cloak/crypto"
	"cloak/domain"
	"cloak/domain/event"
)

// countingSuite wraps the real suite to count derivations.
type countingSuite struct {
	crypto.Suite
	derivations atomic.Int32
}

func (s *countingSuite) DeriveSymmetricKey(ownPrivate, peerPublic []byte) ([]byte, error) {
	s.derivations.Add(1)
	return s.Suite.DeriveSymmetricKey(ownPrivate, peerPublic)
}

func TestCache_GetOrDerive_CachesKey(t *testing.T) {
	req := require.New(t)
	suite := &countingSuite{Suite: crypto.NewSuite()}
	own, err := suite.GenerateKeypair()
	req.NoError(err)
	peer, err := suite.GenerateKeypair()
	req.NoError(err)
	cache := NewCache(suite, own, slog.Default())

	first, err := cache.GetOrDerive("c1", peer.PublicKey)
	req.NoError(err)
	second, err := cache.GetOrDerive("c1", peer.PublicKey)
	req.NoError(err)

	req.Equal(first, second)
	req.EqualValues(1, suite.derivations.Load())
}

func TestCache_Migrate_RekeysWithoutRederiving(t *testing.T) {
	req := require.New(t)
	suite := &countingSuite{Suite: crypto.NewSuite()}
	own, err := suite.GenerateKeypair()
	req.NoError(err)
	peer, err := suite.GenerateKeypair()
	req.NoError(err)
	cache := NewCache(suite, own, slog.Default())

	// Given a key cached under the original connection id
	// and two unread messages pending
	original, err := cache.GetOrDerive("c1", peer.PublicKey)
	req.NoError(err)
	cache.IncrementUnread("c1")
	cache.IncrementUnread("c1")

	// When the peer reappears under a new connection id
	cache.Migrate(event.PeerIdentityMigration{
		Username:  "bob",
		OldConnID: "c1",
		NewConnID: "c2",
		PublicKey: peer.PublicKey,
	})

	// Then the key under the new id is the migrated one, no rederivation
	migrated, err := cache.GetOrDerive("c2", peer.PublicKey)
	req.NoError(err)
	req.Equal(original, migrated)
	req.EqualValues(1, suite.derivations.Load())

	// And nothing remains addressed by the stale id
	req.False(cache.Cached("c1"))
	req.Zero(cache.Unread("c1"))
	req.Equal(2, cache.Unread("c2"))
}

func TestCache_Migrate_UnknownPeerIsNoop(t *testing.T) {
	req := require.New(t)
	suite := &countingSuite{Suite: crypto.NewSuite()}
	own, err := suite.GenerateKeypair()
	req.NoError(err)
	cache := NewCache(suite, own, slog.Default())

	cache.Migrate(event.PeerIdentityMigration{
		Username:  "ghost",
		OldConnID: "dead",
		NewConnID: "alive",
	})

	req.False(cache.Cached("alive"))
	req.EqualValues(0, suite.derivations.Load())
}

func TestCache_Forget_DropsKeyAndCounters(t *testing.T) {
	req := require.New(t)
	suite := &countingSuite{Suite: crypto.NewSuite()}
	own, err := suite.GenerateKeypair()
	req.NoError(err)
	peer, err := suite.GenerateKeypair()
	req.NoError(err)
	cache := NewCache(suite, own, slog.Default())

	_, err = cache.GetOrDerive(domain.ConnID("c1"), peer.PublicKey)
	req.NoError(err)
	cache.IncrementUnread("c1")

	cache.Forget("c1")

	req.False(cache.Cached("c1"))
	req.Zero(cache.Unread("c1"))
}
