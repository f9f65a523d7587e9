// Package crypto provides the default CipherSuite implementation:
// X25519 key agreement, HKDF-SHA256 key derivation, and
// ChaCha20-Poly1305 AEAD.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"cloak/contract"
	"cloak/domain"
)

const (
	KeyBytes   = 32
	NonceBytes = chacha20poly1305.NonceSize
)

// sessionInfo binds derived keys to this protocol.
var sessionInfo = []byte("cloak session key v1")

type Suite struct{}

func NewSuite() Suite { return Suite{} }

// GenerateKeypair returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func (Suite) GenerateKeypair() (domain.Identity, error) {
	priv := make([]byte, KeyBytes)
	if _, err := rand.Read(priv); err != nil {
		return domain.Identity{}, err
	}
	clamp(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{PublicKey: pub, PrivateKey: priv}, nil
}

func (Suite) ExportPublic(id domain.Identity) string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

func (Suite) ImportPublic(encoded string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != KeyBytes {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", KeyBytes, len(pub))
	}
	return pub, nil
}

// DeriveSymmetricKey computes X25519(ownPrivate, peerPublic) and expands
// the shared secret through HKDF-SHA256. The Diffie-Hellman output is
// identical on both sides of the pair, so the derived key is symmetric.
func (Suite) DeriveSymmetricKey(ownPrivate, peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(ownPrivate, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	key := make([]byte, KeyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, sessionInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (Suite) Seal(key, plaintext []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (Suite) Open(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Fingerprint returns a short hex digest of a public key for display.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func clamp(priv []byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// Compile-time assertion that Suite implements the capability.
var _ contract.CipherSuite = Suite{}
