// Package storage implements the local persistence capability on top of
// BadgerDB, plus an in-memory variant for tests.
package storage

import (
	stderrors "errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"cloak/contract"
	"cloak/errors"
)

type BadgerKV struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerKV(db *badger.DB, log *slog.Logger) BadgerKV {
	return BadgerKV{db: db, log: log}
}

func (s BadgerKV) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s BadgerKV) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

var _ contract.KV = BadgerKV{}
