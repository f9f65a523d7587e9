package relay

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloak/domain"
	"cloak/errors"
)

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(slog.Default(), grace)
}

func TestRegistry_Register_InvalidUsername(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Second)

	_, err := registry.Register("c1", "x", "pk", "10.0.0.1")
	req.ErrorIs(err, errors.ErrInvalidUsername)

	_, err = registry.Register("c1", "has spaces", "pk", "10.0.0.1")
	req.ErrorIs(err, errors.ErrInvalidUsername)
}

func TestRegistry_Register_CollisionDifferentOrigin(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Second)

	// Given alice is registered from one address
	_, err := registry.Register("c1", "alice", "pk1", "10.0.0.1")
	req.NoError(err)

	// When another address claims the same username
	_, err = registry.Register("c2", "alice", "pk2", "10.0.0.2")

	// Then the second registration is rejected
	req.ErrorIs(err, errors.ErrUsernameTaken)

	// And the original holder keeps the name
	conn, ok := registry.Resolve("alice")
	req.True(ok)
	req.Equal(domain.ConnID("c1"), conn)
}

func TestRegistry_Register_ReclaimSameOrigin(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Second)

	_, err := registry.Register("c1", "alice", "pk1", "10.0.0.1")
	req.NoError(err)
	_, err = registry.Join("c1", "lobby")
	req.NoError(err)

	// When the same origin re-registers under a new connection
	result, err := registry.Register("c2", "alice", "pk1", "10.0.0.1")

	// Then the old connection is evicted and the new one wins
	req.NoError(err)
	req.Equal(domain.ConnID("c1"), result.Evicted)
	req.True(result.EvictedHadRoom)
	req.Equal(domain.RoomID("lobby"), result.EvictedRoom)

	conn, ok := registry.Resolve("alice")
	req.True(ok)
	req.Equal(domain.ConnID("c2"), conn)

	// And the evicted connection is out of its room
	_, inRoom := registry.RoomOf("c1")
	req.False(inRoom)
}

func TestRegistry_Join_RequiresRegistration(t *testing.T) {
	registry := newTestRegistry(time.Second)
	_, err := registry.Join("ghost", "lobby")
	require.ErrorIs(t, err, errors.ErrNotRegistered)
}

func TestRegistry_Join_InvalidRoomID(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Second)
	_, err := registry.Register("c1", "alice", "pk", "10.0.0.1")
	req.NoError(err)

	_, err = registry.Join("c1", "a")
	req.ErrorIs(err, errors.ErrInvalidRoomID)

	_, err = registry.Join("c1", "bad room!")
	req.ErrorIs(err, errors.ErrInvalidRoomID)
}

func TestRegistry_Join_ReturnsExistingMembers(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Second)
	_, err := registry.Register("c1", "alice", "pk1", "10.0.0.1")
	req.NoError(err)
	_, err = registry.Register("c2", "bob", "pk2", "10.0.0.2")
	req.NoError(err)

	members, err := registry.Join("c1", "lobby")
	req.NoError(err)
	req.Empty(members)

	members, err = registry.Join("c2", "lobby")
	req.NoError(err)
	req.Len(members, 1)
	req.Equal(domain.Username("alice"), members[0].Username)
	req.Equal("pk1", members[0].PublicKey)
}

func TestRegistry_RoomGracePeriod_Expires(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(40 * time.Millisecond)
	_, err := registry.Register("c1", "alice", "pk", "10.0.0.1")
	req.NoError(err)
	_, err = registry.Join("c1", "lobby")
	req.NoError(err)

	// When the last member leaves
	roomID, ok := registry.Leave("c1")
	req.True(ok)
	req.Equal(domain.RoomID("lobby"), roomID)

	// Then the room survives inside the grace window
	req.True(registry.HasRoom("lobby"))

	// And is deleted once the window elapses with zero members throughout
	req.Eventually(func() bool {
		return !registry.HasRoom("lobby")
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_RoomGracePeriod_RejoinCancelsDeletion(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(50 * time.Millisecond)
	_, err := registry.Register("c1", "alice", "pk", "10.0.0.1")
	req.NoError(err)
	_, err = registry.Join("c1", "lobby")
	req.NoError(err)

	_, ok := registry.Leave("c1")
	req.True(ok)

	// When a member rejoins inside the grace window
	_, err = registry.Join("c1", "lobby")
	req.NoError(err)

	// Then the deletion never fires
	time.Sleep(120 * time.Millisecond)
	req.True(registry.HasRoom("lobby"))
}

func TestRegistry_Unregister_LeavesRoom(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Hour)
	_, err := registry.Register("c1", "alice", "pk", "10.0.0.1")
	req.NoError(err)
	_, err = registry.Register("c2", "bob", "pk", "10.0.0.2")
	req.NoError(err)
	_, err = registry.Join("c1", "lobby")
	req.NoError(err)
	_, err = registry.Join("c2", "lobby")
	req.NoError(err)

	roomID, ok := registry.Unregister("c1")
	req.True(ok)
	req.Equal(domain.RoomID("lobby"), roomID)

	_, found := registry.Resolve("alice")
	req.False(found)
	req.Len(registry.MembersOf("lobby", ""), 1)
	req.Equal(1, registry.ActiveUsers())
}

func TestRegistry_MoveBetweenRooms(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(time.Hour)
	_, err := registry.Register("c1", "alice", "pk", "10.0.0.1")
	req.NoError(err)

	_, err = registry.Join("c1", "room-a")
	req.NoError(err)
	_, err = registry.Join("c1", "room-b")
	req.NoError(err)

	roomID, ok := registry.RoomOf("c1")
	req.True(ok)
	req.Equal(domain.RoomID("room-b"), roomID)
	req.Empty(registry.MembersOf("room-a", ""))
}
