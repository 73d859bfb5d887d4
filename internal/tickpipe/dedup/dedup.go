// Package dedup remembers which log positions were already persisted so a
// relay that is handed the same message twice after a rebalance can skip it.
package dedup

import "github.com/chenzhangda16/tickpipe/pkg/hash"

// Filter is checked before a message is persisted and told about it after
// the ledger commit. Seen never records anything by itself.
type Filter interface {
	Seen(key hash.Hash32, nowTs int64) (bool, error)
	Add(key hash.Hash32, nowTs int64) error
	Evict(nowTs int64) error
	Close()
}

// Mode selects the Filter implementation.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeMemory Mode = "memory"
	ModeRocks  Mode = "rocks"
)
