package history

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 262144 ≈ 1M IDs
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 1 << 18
)

// SeenFilter is a negative fast path in front of a remote store.
//
//   - MISS = the ID was never appended, skip the backend lookup
//   - HIT = maybe appended, ask the backend
//
// Once an insert fails the filter is saturated and every lookup goes to the
// backend.
type SeenFilter struct {
	mu        sync.RWMutex
	filter    *cuckoo.Filter
	saturated bool
}

// NewSeenFilter creates an empty filter
func NewSeenFilter() *SeenFilter {
	return &SeenFilter{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked),
	}
}

func idKey(id string) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(id))
	return buf
}

// MayContain returns false only if id was definitely never added
func (f *SeenFilter) MayContain(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.saturated {
		return true
	}
	return f.filter.Contain(idKey(id))
}

// Add records id
func (f *SeenFilter) Add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := idKey(id)
	if f.saturated || f.filter.Contain(key) {
		return
	}
	if !f.filter.Add(key) {
		f.saturated = true
		log.Warn().Uint("size", f.filter.Size()).Msg("History seen filter is full, falling back to store lookups")
	}
}

// Size returns the number of IDs in the filter
func (f *SeenFilter) Size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}

// filteredStore consults a SeenFilter before the wrapped store
type filteredStore struct {
	Store
	seen *SeenFilter
}

func withSeenFilter(ctx context.Context, store Store) (Store, error) {
	sc, ok := store.(scanner)
	if !ok {
		return store, nil
	}

	seen := NewSeenFilter()
	if err := sc.scan(ctx, seen.Add); err != nil {
		return nil, err
	}
	return &filteredStore{Store: store, seen: seen}, nil
}

func (s *filteredStore) Contains(ctx context.Context, id string) (bool, error) {
	if !s.seen.MayContain(id) {
		return false, nil
	}
	return s.Store.Contains(ctx, id)
}

func (s *filteredStore) Append(ctx context.Context, rec common.Record) error {
	if err := s.Store.Append(ctx, rec); err != nil {
		return err
	}
	s.seen.Add(rec.ID)
	return nil
}
