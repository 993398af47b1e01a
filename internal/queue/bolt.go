package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const boltFileName = "queue.db"

// BoltDB is a single bbolt file shared by several engines, one bucket each.
// Values are zstd-compressed since audio payloads dominate the file size.
type BoltDB struct {
	db       *bbolt.DB
	maxBytes int64
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// OpenBolt opens (or creates) dir/queue.db. maxBytes <= 0 disables the quota.
func OpenBolt(dir string, maxBytes int64, readOnly bool) (*BoltDB, error) {
	if !readOnly {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create queue dir: %w", err)
		}
	}

	path := filepath.Join(dir, boltFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &BoltDB{db: db, maxBytes: maxBytes, enc: enc, dec: dec}, nil
}

// Bucket returns the Store for one named engine
func (b *BoltDB) Bucket(name string) (Store, error) {
	if !b.db.IsReadOnly() {
		err := b.db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return &boltBucket{parent: b, name: []byte(name)}, nil
}

// Buckets lists bucket names in the file
func (b *BoltDB) Buckets() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (b *BoltDB) Close() error {
	b.dec.Close()
	b.enc.Close()
	return b.db.Close()
}

type boltBucket struct {
	parent *BoltDB
	name   []byte
}

func (s *boltBucket) Put(id string, data []byte) error {
	val := s.parent.enc.EncodeAll(data, nil)
	return s.parent.db.Update(func(tx *bbolt.Tx) error {
		if s.parent.maxBytes > 0 && tx.Size()+int64(len(val)) > s.parent.maxBytes {
			return ErrQuotaExceeded
		}
		bkt := tx.Bucket(s.name)
		if bkt == nil {
			return fmt.Errorf("bucket %s missing", s.name)
		}
		return bkt.Put([]byte(id), val)
	})
}

func (s *boltBucket) Delete(id string) error {
	return s.parent.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.name)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(id))
	})
}

func (s *boltBucket) ForEach(fn func(id string, data []byte) error) error {
	return s.parent.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(s.name)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			data, err := s.parent.dec.DecodeAll(v, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress unit %s: %w", k, err)
			}
			return fn(string(k), data)
		})
	})
}
