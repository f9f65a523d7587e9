// Package domain contains the core concepts of the relay system.
// No runtime, network, or UI logic should be added here.
package domain

// ConnID is the transient handle of a live transport session.
// It changes whenever the peer reconnects.
type ConnID string

// Username is the stable, user-chosen identity used for lookup and reclaim.
type Username string

// Peer is another installation as seen from one client.
// A client may retain a stale record (Online=false) to preserve chat
// history and the cached session key association.
type Peer struct {
	ConnID    ConnID
	Username  Username
	PublicKey []byte
	Online    bool
}
