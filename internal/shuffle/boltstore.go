package shuffle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltWriteBatch = 512
	boltReadPage   = 256
)

// BoltStore keeps segments in a bbolt file, one bucket per segment with
// records keyed by their big-endian position.
type BoltStore struct {
	db    *bolt.DB
	path  string
	owned bool
}

// NewBoltStore opens (or creates) the database at path. An empty path uses
// a temporary file that Close removes.
func NewBoltStore(path string) (*BoltStore, error) {
	owned := false
	if path == "" {
		dir, err := os.MkdirTemp("", "distmr-spill-")
		if err != nil {
			return nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
		path = filepath.Join(dir, "spill.db")
		owned = true
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open spill store %s: %w", path, err)
	}
	return &BoltStore{db: db, path: path, owned: owned}, nil
}

// Path returns the database file.
func (s *BoltStore) Path() string {
	return s.path
}

func segmentName(bucket, segment int) []byte {
	return []byte(fmt.Sprintf("b%05d-s%05d", bucket, segment))
}

func (s *BoltStore) Create(bucket, segment int) (SegmentWriter, error) {
	name := segmentName(bucket, segment)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltWriter{db: s.db, name: name}, nil
}

func (s *BoltStore) Open(bucket, segment int) (SegmentReader, error) {
	name := segmentName(bucket, segment)
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(name) == nil {
			return fmt.Errorf("segment %s not found", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltReader{db: s.db, name: name}, nil
}

func (s *BoltStore) Remove(bucket, segment int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(segmentName(bucket, segment))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the database and removes it if NewBoltStore created it.
func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if s.owned {
		return os.RemoveAll(filepath.Dir(s.path))
	}
	return nil
}

type boltWriter struct {
	db      *bolt.DB
	name    []byte
	next    uint64
	pending [][]byte
}

func (w *boltWriter) Append(rec []byte) error {
	w.pending = append(w.pending, append([]byte(nil), rec...))
	if len(w.pending) >= boltWriteBatch {
		return w.flush()
	}
	return nil
}

func (w *boltWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(w.name)
		if b == nil {
			return fmt.Errorf("segment %s vanished", w.name)
		}
		for _, rec := range w.pending {
			if err := b.Put(seqKey(w.next), rec); err != nil {
				return err
			}
			w.next++
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.pending = w.pending[:0]
	return nil
}

func (w *boltWriter) Close() error {
	return w.flush()
}

func seqKey(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

// boltReader pages through a segment with short read transactions so a
// slow consumer never pins the database.
type boltReader struct {
	db   *bolt.DB
	name []byte
	next uint64
	page [][]byte
	done bool
}

func (r *boltReader) Next() ([]byte, error) {
	if len(r.page) == 0 && !r.done {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	if len(r.page) == 0 {
		return nil, io.EOF
	}
	rec := r.page[0]
	r.page = r.page[1:]
	return rec, nil
}

func (r *boltReader) fill() error {
	return r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.name)
		if b == nil {
			return fmt.Errorf("segment %s vanished", r.name)
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(r.next)); k != nil; k, v = c.Next() {
			// Values are only valid inside the transaction.
			r.page = append(r.page, append([]byte(nil), v...))
			r.next = binary.BigEndian.Uint64(k) + 1
			if len(r.page) >= boltReadPage {
				return nil
			}
		}
		r.done = true
		return nil
	})
}

func (r *boltReader) Close() error {
	r.page = nil
	r.done = true
	return nil
}
