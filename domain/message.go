package domain

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit the relay forwards. The relay reads nothing
// beyond its size; ciphertext and nonce are opaque to it.
type Envelope struct {
	ID              uuid.UUID `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	SenderPublicKey []byte    `json:"senderPublicKey"`
	Ciphertext      []byte    `json:"ciphertext"`
	Nonce           []byte    `json:"nonce"`
	IsDirect        bool      `json:"isDirect"`
}
