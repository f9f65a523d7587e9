package contract

import (
	"context"
	"reflect"

	"cloak/domain"
	"cloak/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself; the supervisor does.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// CipherSuite is the cryptographic capability the core calls. The core
// never implements primitives itself; crypto/ provides the default.
type CipherSuite interface {
	GenerateKeypair() (domain.Identity, error)
	ExportPublic(id domain.Identity) string
	ImportPublic(encoded string) ([]byte, error)
	// DeriveSymmetricKey is a pure function of the two keys: calling it
	// twice yields the same key, and it is symmetric across the pair.
	DeriveSymmetricKey(ownPrivate, peerPublic []byte) ([]byte, error)
	Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(key, ciphertext, nonce []byte) ([]byte, error)
}

// KV is the local persistence capability used for identity and cached
// key material. Get returns errors.ErrKeyNotFound for absent keys.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}
