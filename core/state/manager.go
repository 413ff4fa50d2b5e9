package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"harbor/storage"
)

// SchemaVersion identifies the persisted layout understood by this build. The
// tag is written when a fresh database is initialised and verified on every
// subsequent open so that newer code never reinterprets fields laid out by an
// incompatible version.
const SchemaVersion uint64 = 1

var schemaTagKey = []byte("harbor/schema")

// ErrSchemaMismatch is returned when the persisted layout version does not
// match SchemaVersion.
var ErrSchemaMismatch = errors.New("state: persisted schema version mismatch")

type storedSchemaTag struct {
	Version uint64
}

// Manager mediates all access to the persisted core state. Records are
// rlp-encoded; mutations happen through buffered transactions so that a failed
// call never leaves partially applied writes behind.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// Open wraps the database, initialising the schema tag on first use and
// rejecting databases written by a different layout version.
func Open(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, errors.New("state: database required")
	}
	ok, err := db.Has(schemaTagKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		encoded, err := rlp.EncodeToBytes(storedSchemaTag{Version: SchemaVersion})
		if err != nil {
			return nil, err
		}
		if err := db.Put(schemaTagKey, encoded); err != nil {
			return nil, err
		}
		return &Manager{db: db}, nil
	}
	raw, err := db.Get(schemaTagKey)
	if err != nil {
		return nil, err
	}
	var tag storedSchemaTag
	if err := rlp.DecodeBytes(raw, &tag); err != nil {
		return nil, fmt.Errorf("state: decode schema tag: %w", err)
	}
	if tag.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, tag.Version, SchemaVersion)
	}
	return &Manager{db: db}, nil
}

// Update runs fn inside a buffered transaction. The buffered writes are
// flushed only when fn returns nil; any error discards every write from the
// call. Transactions are serialised so per-principal checks (nonces, deposit
// ceilings) are linearizable.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	if m == nil {
		return errors.New("state: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTx(m.db)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against a transaction whose writes are always discarded.
func (m *Manager) View(fn func(tx *Tx) error) error {
	if m == nil {
		return errors.New("state: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(newTx(m.db))
}

// Tx is a buffered view over the database. Reads observe buffered writes from
// the same transaction before falling through to committed state.
type Tx struct {
	db     storage.Database
	writes map[string][]byte
	order  []string
}

func newTx(db storage.Database) *Tx {
	return &Tx{db: db, writes: make(map[string][]byte)}
}

// KVPut buffers an rlp-encoded record under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = encoded
	return nil
}

// KVGet decodes the record stored under key into out, reporting whether the
// key exists. A nil out performs a bare existence check.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok, err := tx.rawGet(key)
	if err != nil || !ok {
		return ok, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends an encoded entry to the list stored under key.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	raw, ok, err := tx.rawGet(key)
	if err != nil {
		return err
	}
	if ok {
		if err := rlp.DecodeBytes(raw, &list); err != nil {
			return err
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVGetList decodes the list stored under key into out. Missing keys decode as
// an empty list.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	raw, ok, err := tx.rawGet(key)
	if err != nil {
		return err
	}
	if !ok {
		raw, err = rlp.EncodeToBytes([][]byte{})
		if err != nil {
			return err
		}
	}
	return rlp.DecodeBytes(raw, out)
}

func (tx *Tx) rawGet(key []byte) ([]byte, bool, error) {
	if buffered, ok := tx.writes[string(key)]; ok {
		return buffered, true, nil
	}
	raw, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (tx *Tx) commit() error {
	for _, k := range tx.order {
		if err := tx.db.Put([]byte(k), tx.writes[k]); err != nil {
			return err
		}
	}
	return nil
}
