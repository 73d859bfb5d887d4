// Package rocks is the on-disk dedup.Filter. It lives apart from dedup so
// that only binaries which enable it link against librocksdb.
package rocks

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/tecbot/gorocksdb"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/pkg/hash"
)

var metaLastCleaned = []byte("meta:rp_last_clean_bucket")

var _ dedup.Filter = (*Filter)(nil)

// Filter keeps replay keys on disk so they survive a relay restart.
// Entries are indexed by expiry bucket so Evict walks only stale buckets.
type Filter struct {
	mu sync.Mutex
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	ttlSec    int64
	bucketSec int64

	lastCleanedBucket int64
}

func Open(path string, ttlSec, bucketSec int64) (*Filter, error) {
	if bucketSec <= 0 {
		return nil, errors.New("bucketSec must be > 0")
	}
	if ttlSec <= 0 {
		ttlSec = 1
	}
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.IncreaseParallelism(2)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, err
	}

	d := &Filter{
		db:        db,
		ro:        gorocksdb.NewDefaultReadOptions(),
		wo:        gorocksdb.NewDefaultWriteOptions(),
		ttlSec:    ttlSec,
		bucketSec: bucketSec,
	}
	if err := d.loadLastCleanedBucket(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Filter) Close() {
	if d.ro != nil {
		d.ro.Destroy()
	}
	if d.wo != nil {
		d.wo.Destroy()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func (d *Filter) Seen(key hash.Hash32, nowTs int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	val, err := d.db.Get(d.ro, mainKey(key[:]))
	if err != nil {
		return false, err
	}
	defer val.Free()
	if !val.Exists() {
		return false, nil
	}
	return decodeI64(val.Data()) >= nowTs, nil
}

func (d *Filter) Add(key hash.Hash32, nowTs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	expireTs := nowTs + d.ttlSec
	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	wb.Put(mainKey(key[:]), encodeI64(expireTs))
	wb.Put(idxKey(expireTs/d.bucketSec, key[:]), encodeI64(expireTs))
	return d.db.Write(d.wo, wb)
}

// Evict cleans buckets strictly older than the current one.
func (d *Filter) Evict(nowTs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := nowTs/d.bucketSec - 1
	if target <= d.lastCleanedBucket {
		return nil
	}
	// A fresh store starts at -1; jump to the oldest bucket on disk.
	if d.lastCleanedBucket < 0 {
		first, ok := d.oldestBucket()
		if !ok || first > target {
			d.lastCleanedBucket = target
			return d.saveLastCleanedBucket()
		}
		d.lastCleanedBucket = first - 1
	}
	for b := d.lastCleanedBucket + 1; b <= target; b++ {
		if err := d.cleanBucket(b); err != nil {
			return err
		}
		d.lastCleanedBucket = b
		if err := d.saveLastCleanedBucket(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Filter) cleanBucket(bucket int64) error {
	prefix := idxPrefix(bucket)
	it := d.db.NewIterator(d.ro)
	defer it.Close()

	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Key()
		v := it.Value()
		kd := k.Data()
		expIdx := decodeI64(v.Data())

		wb.Delete(kd)

		if len(kd) == len(prefix)+32 {
			mk := mainKey(kd[len(prefix):])
			mv, err := d.db.Get(d.ro, mk)
			if err != nil {
				k.Free()
				v.Free()
				return err
			}
			// Keep main entries that were re-added with a later expiry.
			if mv.Exists() && decodeI64(mv.Data()) == expIdx {
				wb.Delete(mk)
			}
			mv.Free()
		}
		k.Free()
		v.Free()

		if wb.Count() >= 5000 {
			if err := d.db.Write(d.wo, wb); err != nil {
				return err
			}
			wb.Clear()
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if wb.Count() > 0 {
		return d.db.Write(d.wo, wb)
	}
	return nil
}

func (d *Filter) oldestBucket() (int64, bool) {
	it := d.db.NewIterator(d.ro)
	defer it.Close()

	prefix := []byte("rpx:")
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return 0, false
	}
	k := it.Key()
	defer k.Free()
	kd := k.Data()
	if len(kd) < len(prefix)+8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(kd[len(prefix):])), true
}

func (d *Filter) loadLastCleanedBucket() error {
	val, err := d.db.Get(d.ro, metaLastCleaned)
	if err != nil {
		return err
	}
	defer val.Free()
	if !val.Exists() {
		d.lastCleanedBucket = -1
		return nil
	}
	d.lastCleanedBucket = decodeI64(val.Data())
	return nil
}

func (d *Filter) saveLastCleanedBucket() error {
	return d.db.Put(d.wo, metaLastCleaned, encodeI64(d.lastCleanedBucket))
}

func mainKey(h []byte) []byte {
	// "rp:" + 32 bytes
	k := make([]byte, 0, 3+32)
	k = append(k, 'r', 'p', ':')
	return append(k, h...)
}

func idxPrefix(bucket int64) []byte {
	// "rpx:" + bucket(8) + ":"
	k := make([]byte, 0, 4+8+1)
	k = append(k, 'r', 'p', 'x', ':')
	k = binary.BigEndian.AppendUint64(k, uint64(bucket))
	return append(k, ':')
}

func idxKey(bucket int64, h []byte) []byte {
	return append(idxPrefix(bucket), h...)
}

func encodeI64(x int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(x))
}

func decodeI64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}
