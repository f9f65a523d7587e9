package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Identity / persistence
	ErrIdentityNotFound = fmt.Errorf("no identity stored")
	ErrKeyNotFound      = fmt.Errorf("key not found")

	// Validation (connection stays open, except naming collisions)
	ErrInvalidUsername = fmt.Errorf("invalid username")
	ErrInvalidRoomID   = fmt.Errorf("invalid room id")
	ErrUsernameTaken   = fmt.Errorf("username already taken")

	// Admission
	ErrServerFull    = fmt.Errorf("server at capacity")
	ErrOriginFull    = fmt.Errorf("too many connections from this address")
	ErrNotRegistered = fmt.Errorf("connection is not registered")

	// Relay forwarding is best-effort
	ErrAddressUnresolved = fmt.Errorf("target connection or username not found")

	// Client-side crypto failures are reported, never fatal
	ErrCryptoFailure = fmt.Errorf("decryption failed")

	// Transfers
	ErrTransferUnknown   = fmt.Errorf("unknown transfer")
	ErrTransferFinalized = fmt.Errorf("transfer already finalized")
	ErrTransferIntegrity = fmt.Errorf("incomplete chunk set at completion")
)
