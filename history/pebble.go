package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/encoding"
)

// Key prefix for Pebble storage: /history/{id} -> msgpack(Record)
const prefixHistory = "/history/"

// Pebble configuration constants
const (
	memTableSize             = 4 << 20 // 4MB
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	maxConcurrentCompactions = 1
)

// PebbleStore keeps history records in a Pebble database
type PebbleStore struct {
	db   *pebble.DB
	path string

	// Serializes the check-then-set in Append
	writeMu sync.Mutex
	count   atomic.Int64
	closed  atomic.Bool
}

// OpenPebble creates or opens a Pebble-backed store under dataDir
func OpenPebble(dataDir string) (*PebbleStore, error) {
	dbPath := filepath.Join(dataDir, "history")

	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
		DisableWAL:               false,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history at %s: %w", dbPath, err)
	}

	s := &PebbleStore{db: db, path: dbPath}

	var n int64
	if err := s.scan(context.Background(), func(string) { n++ }); err != nil {
		db.Close()
		return nil, err
	}
	s.count.Store(n)

	return s, nil
}

// scan decodes every record, failing on the first one that does not decode
func (s *PebbleStore) scan(ctx context.Context, fn func(id string)) error {
	prefix := []byte(prefixHistory)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := string(iter.Key()[len(prefixHistory):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		var rec common.Record
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return &common.StoreCorruptError{Path: s.path, Err: fmt.Errorf("record %q: %w", key, err)}
		}
		if rec.ID != key {
			return &common.StoreCorruptError{Path: s.path, Err: fmt.Errorf("record key %q holds id %q", key, rec.ID)}
		}

		fn(key)
	}

	return iter.Error()
}

// Contains reports whether id has been recorded
func (s *PebbleStore) Contains(_ context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	_, closer, err := s.db.Get([]byte(prefixHistory + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Append stores rec with a synced write. Appending a known ID is a no-op.
func (s *PebbleStore) Append(ctx context.Context, rec common.Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.Contains(ctx, rec.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	if err := s.db.Set([]byte(prefixHistory+rec.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}

	s.count.Add(1)
	return nil
}

// Len returns the number of recorded IDs
func (s *PebbleStore) Len() int {
	return int(s.count.Load())
}

// Close closes the Pebble database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
