// Package identity owns the long-lived keypair of one installation.
package identity

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"cloak/contract"
	"cloak/domain"
	"cloak/errors"
)

const storeKey = "identity:self"

// storedIdentity is the on-disk representation. []byte fields marshal
// as base64 through encoding/json.
type storedIdentity struct {
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

type Store struct {
	kv    contract.KV
	suite contract.CipherSuite
	log   *slog.Logger
}

func NewStore(kv contract.KV, suite contract.CipherSuite, log *slog.Logger) *Store {
	return &Store{kv: kv, suite: suite, log: log}
}

// Load returns the persisted identity, or errors.ErrIdentityNotFound.
func (s *Store) Load() (domain.Identity, error) {
	raw, err := s.kv.Get(storeKey)
	if stderrors.Is(err, errors.ErrKeyNotFound) {
		return domain.Identity{}, errors.ErrIdentityNotFound
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("read identity: %w", err)
	}
	var stored storedIdentity
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return domain.Identity{PublicKey: stored.PublicKey, PrivateKey: stored.PrivateKey}, nil
}

// Create generates a fresh keypair and persists it before returning.
// Persistence is the commit point: a crash before Put leaves no trace,
// so the next LoadOrCreate generates again instead of splitting identity.
func (s *Store) Create() (domain.Identity, error) {
	id, err := s.suite.GenerateKeypair()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("generate keypair: %w", err)
	}
	raw, err := json.Marshal(storedIdentity{PublicKey: id.PublicKey, PrivateKey: id.PrivateKey})
	if err != nil {
		return domain.Identity{}, err
	}
	if err := s.kv.Put(storeKey, raw); err != nil {
		return domain.Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	s.log.Info("New identity created")
	return id, nil
}

// LoadOrCreate is idempotent: once an identity has been persisted, every
// subsequent call returns the same key material.
func (s *Store) LoadOrCreate() (domain.Identity, error) {
	id, err := s.Load()
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, errors.ErrIdentityNotFound) {
		return domain.Identity{}, err
	}
	return s.Create()
}

// Regenerate discards the current identity. Explicit user action only.
func (s *Store) Regenerate() (domain.Identity, error) {
	return s.Create()
}

// ExportPublic returns the wire representation of the public key.
func (s *Store) ExportPublic(id domain.Identity) string {
	return s.suite.ExportPublic(id)
}
