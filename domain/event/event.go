// Package event defines domain events shared between the client-side
// components (session cache, transfer engine, UI surfaces).
package event

import (
	"time"

	"cloak/domain"
)

type DomainEvent interface {
	Name() string
}

// PeerIdentityMigration is emitted when a known username reappears under
// a new connection id after a reconnect. The session key cache and the
// transfer engine both consume it; after it has been applied nothing may
// address the old connection id anymore.
type PeerIdentityMigration struct {
	Username  domain.Username
	OldConnID domain.ConnID
	NewConnID domain.ConnID
	PublicKey []byte
}

func (PeerIdentityMigration) Name() string { return "peer-identity-migration" }

type PeerJoined struct {
	Room domain.RoomID
	Peer domain.Peer
}

func (PeerJoined) Name() string { return "peer-joined" }

type PeerLeft struct {
	Room   domain.RoomID
	ConnID domain.ConnID
}

func (PeerLeft) Name() string { return "peer-left" }

// TransferUpdated reports a status or progress change of one transfer.
type TransferUpdated struct {
	Transfer domain.Transfer
	At       time.Time
}

func (TransferUpdated) Name() string { return "transfer-updated" }
