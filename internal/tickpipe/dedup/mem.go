package dedup

import (
	"sync"

	"github.com/chenzhangda16/tickpipe/pkg/hash"
)

// MemFilter is an in-memory TTL filter. Key is fixed [32]byte to avoid
// allocations. Safe for the concurrent partition claims of one worker.
type MemFilter struct {
	mu     sync.Mutex
	ttlSec int64
	m      map[hash.Hash32]int64 // key -> expireTs
	q      []memItem             // insertion order
	head   int                   // pop index
}

type memItem struct {
	key      hash.Hash32
	expireTs int64
}

func NewMemFilter(ttlSec int64, capHint int) *MemFilter {
	if capHint < 0 {
		capHint = 0
	}
	if ttlSec <= 0 {
		ttlSec = 1
	}
	return &MemFilter{
		ttlSec: ttlSec,
		m:      make(map[hash.Hash32]int64, capHint),
		q:      make([]memItem, 0, capHint),
	}
}

// Seen returns true if key exists and has not expired at nowTs.
func (d *MemFilter) Seen(key hash.Hash32, nowTs int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.m[key]
	return ok && exp >= nowTs, nil
}

func (d *MemFilter) Add(key hash.Hash32, nowTs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	expireTs := nowTs + d.ttlSec
	d.m[key] = expireTs
	d.q = append(d.q, memItem{key: key, expireTs: expireTs})
	return nil
}

// Evict removes expired keys to bound memory.
func (d *MemFilter) Evict(nowTs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.head < len(d.q) {
		it := d.q[d.head]
		if it.expireTs >= nowTs {
			break
		}
		// Only delete if map still points to this expireTs (key may have been re-added).
		if exp, ok := d.m[it.key]; ok && exp == it.expireTs {
			delete(d.m, it.key)
		}
		d.head++
	}

	if d.head > 4096 && d.head*2 > len(d.q) {
		newQ := make([]memItem, 0, len(d.q)-d.head)
		newQ = append(newQ, d.q[d.head:]...)
		d.q = newQ
		d.head = 0
	}
	return nil
}

func (d *MemFilter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}

func (d *MemFilter) Close() {}
