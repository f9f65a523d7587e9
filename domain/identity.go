package domain

// Identity is the long-lived asymmetric keypair of one installation.
// Created on first run, immutable thereafter, destroyed only by explicit
// regeneration or a storage wipe. The private key never leaves the
// local persistence capability.
type Identity struct {
	PublicKey  []byte
	PrivateKey []byte
}
