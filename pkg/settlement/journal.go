package settlement

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// journalKey format: "evt:{seq}", zero-padded for lexicographic ordering
func journalKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("evt:%020d", seq))
}

// Journal is an append-only, Pebble-backed record of emitted settlement
// events, consumed by accounting and observability collaborators.
type Journal struct {
	mu   sync.Mutex
	db   *pebble.DB
	next uint64
}

// NewJournal opens an event journal at the given path
func NewJournal(dbPath string) (*Journal, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:        pebble.NewCache(16 << 20), // 16MB cache
		MaxOpenFiles: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	j := &Journal{db: db}

	// Recover the next sequence number from the last persisted entry
	prefix := []byte("evt:")
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	if iter.Last() && iter.Valid() {
		var seq uint64
		if _, err := fmt.Sscanf(string(iter.Key()), "evt:%d", &seq); err == nil {
			j.next = seq + 1
		}
	}
	iter.Close()

	return j, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append persists one event; NoSync because journal entries are
// observability records, not settlement state.
func (j *Journal) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.db.Set(journalKey(j.next), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	j.next++
	return nil
}

// Emit implements Emitter; append failures are swallowed since the journal
// must never fail a settlement that already committed.
func (j *Journal) Emit(ev Event) {
	_ = j.Append(ev)
}

// Recent returns the most recent N events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	prefix := []byte("evt:")
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var events []Event
	for iter.Last(); iter.Valid() && len(events) < limit; iter.Prev() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue // Skip invalid entries
		}
		events = append(events, ev)
	}

	return events, nil
}
