package bridge

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
)

var (
	depositRecordPrefix = []byte("bridge/deposit/")
	depositIndexKey     = []byte("bridge/deposit/index")
)

type depositIndexEntry struct {
	ID        string
	CreatedAt uint64
}

// Ledger persists deposit records append-only, keyed by record id.
type Ledger struct{}

func depositKey(id string) []byte {
	return append(append([]byte(nil), depositRecordPrefix...), []byte(strings.TrimSpace(id))...)
}

// Put stores the deposit record, enforcing append-only semantics keyed by the
// record identifier.
func (l *Ledger) Put(state State, record *DepositRecord) error {
	if record == nil {
		return fmt.Errorf("bridge ledger: record must not be nil")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("bridge ledger: record id required")
	}
	key := depositKey(id)
	ok, err := state.KVGet(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("bridge ledger: deposit %s already exists", id)
	}
	if err := state.KVPut(key, record); err != nil {
		return err
	}
	entry := depositIndexEntry{ID: id, CreatedAt: record.CreatedAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return state.KVAppend(depositIndexKey, encoded)
}

// Get retrieves a deposit record by identifier.
func (l *Ledger) Get(state State, id string) (*DepositRecord, bool, error) {
	var record DepositRecord
	ok, err := state.KVGet(depositKey(id), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	return record.Copy(), true, nil
}

// List returns the stored deposit record identifiers in insertion order.
func (l *Ledger) List(state State) ([]string, error) {
	var raw [][]byte
	if err := state.KVGetList(depositIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, encoded := range raw {
		var entry depositIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		ids = append(ids, entry.ID)
	}
	return ids, nil
}
