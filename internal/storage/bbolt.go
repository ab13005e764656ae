package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketRecords = "permission_records"

// keyLen is app_id(4) | op_code(4) | status(4) | timestamp(8).
const keyLen = 20

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/records.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "records.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRecords)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRecords, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Key encoding ----------------------------------------------------------

// rowKey encodes the natural key so that byte order groups rows by app id.
// The timestamp sign bit is flipped to keep negative values ordered.
func rowKey(r Row) []byte {
	k := make([]byte, keyLen)
	binary.BigEndian.PutUint32(k[0:4], r.AppID)
	binary.BigEndian.PutUint32(k[4:8], uint32(r.OpCode))
	binary.BigEndian.PutUint32(k[8:12], uint32(r.Status))
	binary.BigEndian.PutUint64(k[12:20], uint64(r.Timestamp)^(1<<63))
	return k
}

func appPrefix(appID uint32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, appID)
	return p
}

func keyAppID(k []byte) uint32 {
	return binary.BigEndian.Uint32(k[0:4])
}

func keyTimestamp(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[12:20]) ^ (1 << 63))
}

// ---- Writes ----------------------------------------------------------------

func (s *bboltStore) Insert(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		for _, r := range rows {
			key := rowKey(r)
			if raw := b.Get(key); raw != nil {
				var existing Row
				if err := msgpack.Unmarshal(raw, &existing); err != nil {
					return fmt.Errorf("unmarshal Row: %w", err)
				}
				r = fold(existing, r)
			}
			data, err := msgpack.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal Row: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltStore) Delete(f Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		var toDelete [][]byte
		if err := s.scan(b, f, func(k []byte, _ Row) {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- Reads -----------------------------------------------------------------

func (s *bboltStore) Select(f Filter) ([]Row, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var rows []Row
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scan(tx.Bucket([]byte(bucketRecords)), f, func(_ []byte, r Row) {
			rows = append(rows, r)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return rows, nil
}

// scan visits every row matching f. When f pins an app id only that key
// prefix is walked.
func (s *bboltStore) scan(b *bolt.Bucket, f Filter, visit func(k []byte, r Row)) error {
	c := b.Cursor()
	var prefix []byte
	if appID, ok := f.pinnedAppID(); ok {
		prefix = appPrefix(appID)
	}
	k, v := c.First()
	if prefix != nil {
		k, v = c.Seek(prefix)
	}
	for ; k != nil; k, v = c.Next() {
		if prefix != nil && !bytes.HasPrefix(k, prefix) {
			break
		}
		var r Row
		if err := msgpack.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("unmarshal Row for key %x: %w", k, err)
		}
		if f.Match(r) {
			visit(k, r)
		}
	}
	return nil
}

func (s *bboltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketRecords)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *bboltStore) AppIDs() ([]uint32, error) {
	var ids []uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRecords)).Cursor()
		for k, _ := c.First(); k != nil; {
			id := keyAppID(k)
			ids = append(ids, id)
			if id == ^uint32(0) {
				break
			}
			k, _ = c.Seek(appPrefix(id + 1))
		}
		return nil
	})
	return ids, err
}

// ---- Retention -------------------------------------------------------------

func (s *bboltStore) DeleteOlderThan(cutoff int64) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		var toDelete [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if keyTimestamp(k) < cutoff {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltStore) DeleteExcess(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		total := b.Stats().KeyN
		if total <= keep {
			return nil
		}
		keys := make([][]byte, 0, total)
		if err := b.ForEach(func(k, _ []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			return nil
		}); err != nil {
			return err
		}
		sort.SliceStable(keys, func(i, j int) bool {
			return keyTimestamp(keys[i]) < keyTimestamp(keys[j])
		})
		for _, k := range keys[:len(keys)-keep] {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
