package reader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"DistMR/internal/types"
)

// DefaultShardSize is the nominal byte length of a shard.
const DefaultShardSize int64 = 64 << 10

// Source is a random-access input with a known size.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
}

type bytesSource struct {
	name string
	*bytes.Reader
}

func (b *bytesSource) Name() string { return b.name }

// FromBytes wraps an in-memory buffer as a Source.
func FromBytes(name string, data []byte) Source {
	return &bytesSource{name: name, Reader: bytes.NewReader(data)}
}

// FromString wraps a string as a Source.
func FromString(name, data string) Source {
	return FromBytes(name, []byte(data))
}

// FileSource is a Source backed by an open file. The size is fixed when the
// file is opened.
type FileSource struct {
	f    *os.File
	size int64
}

func (s *FileSource) Name() string { return s.f.Name() }

func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *FileSource) Close() error {
	return s.f.Close()
}

// OpenFile opens a single file as a Source.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

// OpenFiles opens every path, walking directories recursively. Files are
// returned in lexical order so shard numbering is stable between runs.
func OpenFiles(paths []string) ([]*FileSource, error) {
	files, err := collectFiles(paths)
	if err != nil {
		return nil, err
	}

	sources := make([]*FileSource, 0, len(files))
	for _, p := range files {
		src, err := OpenFile(p)
		if err != nil {
			CloseAll(sources)
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// CloseAll closes every source, returning the first error.
func CloseAll(sources []*FileSource) error {
	var first error
	for _, s := range sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// collectFiles recursively collects all regular files from paths.
func collectFiles(paths []string) ([]string, error) {
	var files []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		var found []string
		err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if f.Mode().IsRegular() {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}

	return files, nil
}

// Shard is a contiguous byte range [Start, End) of one source. A record
// belongs to the shard that contains its first byte.
type Shard struct {
	ID     int
	Source Source
	Start  int64
	End    int64
}

// Info describes the shard for errors and the journal.
func (s Shard) Info() types.ShardInfo {
	return types.ShardInfo{Source: s.Source.Name(), Start: s.Start, End: s.End}
}

// Split cuts every source into shards of at most shardSize bytes. Empty
// sources produce no shards. Shard IDs are assigned in order across sources.
func Split[S Source](sources []S, shardSize int64) []Shard {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}

	var shards []Shard
	for _, src := range sources {
		size := src.Size()
		for start := int64(0); start < size; start += shardSize {
			end := min(start+shardSize, size)
			shards = append(shards, Shard{
				ID:     len(shards),
				Source: src,
				Start:  start,
				End:    end,
			})
		}
	}
	return shards
}

// Records returns an iterator over the shard's records, resuming at the
// first record boundary at or after from.
func (s Shard) Records(from int64) *Iterator {
	return &Iterator{shard: s, from: max(from, s.Start)}
}

// Iterator lazily reads records of a shard, in the manner of bufio.Scanner.
type Iterator struct {
	shard   Shard
	from    int64
	started bool
	done    bool
	br      *bufio.Reader
	pos     int64
	rec     types.Record
	err     error
}

func (it *Iterator) start() error {
	it.started = true

	pos, err := it.align(it.from)
	if err != nil {
		return err
	}
	it.pos = pos
	size := it.shard.Source.Size()
	if pos >= size {
		it.done = true
		return nil
	}
	it.br = bufio.NewReader(io.NewSectionReader(it.shard.Source, pos, size-pos))
	return nil
}

// align finds the first record boundary at or after off.
func (it *Iterator) align(off int64) (int64, error) {
	if off == 0 {
		return 0, nil
	}
	src := it.shard.Source

	if off > src.Size() {
		return 0, it.inputErr(off, fmt.Errorf("offset beyond end of source (size %d)", src.Size()))
	}

	var b [1]byte
	if _, err := src.ReadAt(b[:], off-1); err != nil {
		return 0, it.inputErr(off-1, fmt.Errorf("cannot determine shard boundary: %w", err))
	}
	if b[0] == '\n' {
		return off, nil
	}

	buf := make([]byte, 4096)
	for pos := off; pos < src.Size(); {
		n, err := src.ReadAt(buf, pos)
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			return pos + int64(i) + 1, nil
		}
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) && pos >= src.Size() {
				break
			}
			return 0, it.inputErr(pos, fmt.Errorf("cannot determine shard boundary: %w", err))
		}
	}
	return src.Size(), nil
}

func (it *Iterator) inputErr(off int64, err error) error {
	return &types.InputError{Source: it.shard.Source.Name(), Offset: off, Err: err}
}

// Next advances to the next record. It returns false at the end of the
// shard or on error; Err tells them apart.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if !it.started {
		if err := it.start(); err != nil {
			it.err = err
			return false
		}
		if it.done {
			return false
		}
	}
	if it.pos >= it.shard.End {
		it.done = true
		return false
	}

	line, err := it.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		it.err = it.inputErr(it.pos, err)
		return false
	}
	if len(line) == 0 {
		expected := it.shard.Source.Size()
		if it.pos < expected {
			it.err = it.inputErr(it.pos, fmt.Errorf("source truncated: expected %d bytes", expected))
			return false
		}
		it.done = true
		return false
	}

	it.rec = types.Record{
		Source: it.shard.Source.Name(),
		Offset: it.pos,
		Value:  strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"),
	}
	it.pos += int64(len(line))
	return true
}

// Record returns the record read by the last successful Next.
func (it *Iterator) Record() types.Record {
	return it.rec
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Offset is the offset to pass to Records to resume after the last record
// returned.
func (it *Iterator) Offset() int64 {
	if !it.started {
		return it.from
	}
	return it.pos
}

// ReadAll drains a shard into a slice.
func ReadAll(s Shard) ([]types.Record, error) {
	var recs []types.Record
	it := s.Records(s.Start)
	for it.Next() {
		recs = append(recs, it.Record())
	}
	return recs, it.Err()
}
