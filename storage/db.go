// Package storage provides the key-value persistence layer for protocol
// state. The node writes JSON-encoded snapshots under well-known keys after
// every committed state transition and reloads them at startup.
package storage

import (
	"errors"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned when a key has no stored value.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is the key-value store behind the protocol state. The node runs
// on LevelDB; tests use the in-memory implementation.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Close()
}

// Well-known key prefixes for protocol state snapshots.
const (
	marketKeyPrefix = "state/market/"
	tokenKeyPrefix  = "state/token/"
	riskStateKey    = "state/risk"
	pricesKey       = "state/prices"
	blockHeightKey  = "state/height"
)

// MarketKey returns the storage key for a market snapshot.
func MarketKey(symbol string) []byte {
	return []byte(marketKeyPrefix + strings.ToUpper(strings.TrimSpace(symbol)))
}

// TokenKey returns the storage key for an underlying asset ledger snapshot.
func TokenKey(symbol string) []byte {
	return []byte(tokenKeyPrefix + strings.ToUpper(strings.TrimSpace(symbol)))
}

// RiskStateKey returns the storage key for the risk engine snapshot.
func RiskStateKey() []byte { return []byte(riskStateKey) }

// PricesKey returns the storage key for the persisted oracle quotes.
func PricesKey() []byte { return []byte(pricesKey) }

// BlockHeightKey returns the storage key for the persisted block height.
func BlockHeightKey() []byte { return []byte(blockHeightKey) }

// MemDB is an in-memory Database for tests and ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	db.data[string(key)] = stored
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (db *MemDB) Close() {}

// LevelDB is the persistent Database backing a long-running node.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the given path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
