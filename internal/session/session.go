// Package session implements the server-side Pending Response Buffer:
// a bounded, oldest-drop FIFO of encoded QUIC datagrams awaiting an
// inbound query to ride on, keyed by client address (spec §3, §4.5,
// §9). Built on the teacher's patrickmn/go-cache session store
// (internal/server/session.go), which already expired idle client
// state on a TTL; this extends each entry with the bounded ring buffer
// the design calls for instead of the teacher's unbounded fragment
// channel.
package session

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultCapacity is the Pending Response Buffer capacity per client,
// per spec §9 ("tuning knob... default 64 entries").
const DefaultCapacity = 64

const (
	sessionTTL        = 5 * time.Minute
	sessionCleanupInt = 10 * time.Minute
)

// Buffer is a bounded FIFO of encoded response payloads for one client
// address; pushing past capacity drops the oldest entry.
type Buffer struct {
	mu       sync.Mutex
	entries  [][]byte
	capacity int
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Push appends payload, dropping the oldest entry if the buffer is at
// capacity.
func (b *Buffer) Push(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, payload)
}

// Pop removes and returns the oldest entry, or nil if the buffer is
// empty.
func (b *Buffer) Pop() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	payload := b.entries[0]
	b.entries = b.entries[1:]
	return payload
}

// Len returns the number of entries currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Store manages one Pending Response Buffer per client address, with
// idle entries expiring the same way the teacher's session store does.
type Store struct {
	cache    *cache.Cache
	capacity int
}

// NewStore builds a Store with the given per-client buffer capacity.
// capacity <= 0 uses DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		cache:    cache.New(sessionTTL, sessionCleanupInt),
		capacity: capacity,
	}
}

// GetOrCreate returns the buffer for clientAddr, creating it (and
// refreshing its TTL) if necessary.
func (s *Store) GetOrCreate(clientAddr string) *Buffer {
	if v, ok := s.cache.Get(clientAddr); ok {
		buf := v.(*Buffer)
		s.cache.Set(clientAddr, buf, cache.DefaultExpiration)
		return buf
	}
	buf := newBuffer(s.capacity)
	s.cache.Set(clientAddr, buf, cache.DefaultExpiration)
	return buf
}
