package shuffle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SpillStore persists sorted segments of encoded entries. Segments are
// identified by bucket and a per-bucket segment number.
type SpillStore interface {
	Create(bucket, segment int) (SegmentWriter, error)
	Open(bucket, segment int) (SegmentReader, error)
	Remove(bucket, segment int) error
	Close() error
}

// SegmentWriter appends records to a new segment.
type SegmentWriter interface {
	Append(rec []byte) error
	Close() error
}

// SegmentReader returns a segment's records in write order and io.EOF at
// the end.
type SegmentReader interface {
	Next() ([]byte, error)
	Close() error
}

// FileStore writes each segment as a file of uvarint length-prefixed
// records.
type FileStore struct {
	dir   string
	owned bool
}

// NewFileStore stores segments under dir. An empty dir creates a temporary
// directory that Close removes.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "distmr-spill-")
		if err != nil {
			return nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
		return &FileStore{dir: tmp, owned: true}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding segment files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(bucket, segment int) string {
	return filepath.Join(s.dir, fmt.Sprintf("bucket-%03d-seg-%04d.seg", bucket, segment))
}

func (s *FileStore) Create(bucket, segment int) (SegmentWriter, error) {
	f, err := os.Create(s.path(bucket, segment))
	if err != nil {
		return nil, err
	}
	return &fileWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileStore) Open(bucket, segment int) (SegmentReader, error) {
	f, err := os.Open(s.path(bucket, segment))
	if err != nil {
		return nil, err
	}
	return &fileReader{f: f, r: bufio.NewReader(f)}, nil
}

func (s *FileStore) Remove(bucket, segment int) error {
	err := os.Remove(s.path(bucket, segment))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Close removes the directory if NewFileStore created it.
func (s *FileStore) Close() error {
	if s.owned {
		return os.RemoveAll(s.dir)
	}
	return nil
}

type fileWriter struct {
	f *os.File
	w *bufio.Writer
}

func (w *fileWriter) Append(rec []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(rec)))
	if _, err := w.w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.w.Write(rec)
	return err
}

func (w *fileWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type fileReader struct {
	f *os.File
	r *bufio.Reader
}

func (r *fileReader) Next() ([]byte, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		// io.EOF only at a record boundary; a cut header is unexpected.
		return nil, err
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(r.r, rec); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("truncated spill record: %w", err)
	}
	return rec, nil
}

func (r *fileReader) Close() error {
	return r.f.Close()
}
