package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuite_DeriveSymmetricKey_Deterministic(t *testing.T) {
	req := require.New(t)
	suite := NewSuite()
	alice, err := suite.GenerateKeypair()
	req.NoError(err)
	bob, err := suite.GenerateKeypair()
	req.NoError(err)

	// When deriving twice with the same inputs
	first, err := suite.DeriveSymmetricKey(alice.PrivateKey, bob.PublicKey)
	req.NoError(err)
	second, err := suite.DeriveSymmetricKey(alice.PrivateKey, bob.PublicKey)
	req.NoError(err)

	// Then both keys are byte-identical
	req.Equal(first, second)
	req.Len(first, KeyBytes)
}

func TestSuite_DeriveSymmetricKey_Symmetric(t *testing.T) {
	req := require.New(t)
	suite := NewSuite()
	alice, err := suite.GenerateKeypair()
	req.NoError(err)
	bob, err := suite.GenerateKeypair()
	req.NoError(err)

	// Given each side derives with its own private key and the peer's public key
	aliceKey, err := suite.DeriveSymmetricKey(alice.PrivateKey, bob.PublicKey)
	req.NoError(err)
	bobKey, err := suite.DeriveSymmetricKey(bob.PrivateKey, alice.PublicKey)
	req.NoError(err)

	// When Bob seals with his key
	ciphertext, nonce, err := suite.Seal(bobKey, []byte("hello alice"))
	req.NoError(err)

	// Then Alice opens it with hers
	plaintext, err := suite.Open(aliceKey, ciphertext, nonce)
	req.NoError(err)
	req.Equal([]byte("hello alice"), plaintext)
}

func TestSuite_Open_RejectsTamperedCiphertext(t *testing.T) {
	req := require.New(t)
	suite := NewSuite()
	alice, err := suite.GenerateKeypair()
	req.NoError(err)
	bob, err := suite.GenerateKeypair()
	req.NoError(err)
	key, err := suite.DeriveSymmetricKey(alice.PrivateKey, bob.PublicKey)
	req.NoError(err)

	ciphertext, nonce, err := suite.Seal(key, []byte("payload"))
	req.NoError(err)

	ciphertext[0] ^= 0xff

	_, err = suite.Open(key, ciphertext, nonce)
	req.Error(err)
}

func TestSuite_ExportImportPublic_RoundTrip(t *testing.T) {
	req := require.New(t)
	suite := NewSuite()
	id, err := suite.GenerateKeypair()
	req.NoError(err)

	pub, err := suite.ImportPublic(suite.ExportPublic(id))
	req.NoError(err)
	req.Equal(id.PublicKey, pub)
}

func TestSuite_ImportPublic_RejectsWrongLength(t *testing.T) {
	suite := NewSuite()
	_, err := suite.ImportPublic("c2hvcnQ=") // "short"
	require.Error(t, err)
}
