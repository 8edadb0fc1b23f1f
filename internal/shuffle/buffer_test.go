package shuffle

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"DistMR/internal/types"
)

type reading struct {
	Station string `json:"station"`
	Temp    int    `json:"temp"`
}

// fill appends the same pseudo-random workload to a buffer from several
// concurrent tasks.
func fill(t *testing.T, buf *Buffer[string, reading], tasks, perTask int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, tasks)
	for task := 0; task < tasks; task++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(task)))
			for i := 0; i < perTask; i++ {
				key := fmt.Sprintf("k%02d", rng.Intn(40))
				p := types.Pair[string, reading]{Key: key, Value: reading{Station: key, Temp: task*1000 + i}}
				if err := buf.Append(rng.Intn(buf.NumBuckets()), task, p); err != nil {
					errs <- err
					return
				}
			}
		}(task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
}

func collectAll(t *testing.T, buf *Buffer[string, reading]) [][]types.Group[string, reading] {
	t.Helper()
	out := make([][]types.Group[string, reading], buf.NumBuckets())
	for i := range out {
		groups, err := buf.Collect(i)
		if err != nil {
			t.Fatalf("collect bucket %d: %v", i, err)
		}
		out[i] = groups
	}
	return out
}

func TestDrainGroupsAscending(t *testing.T) {
	buf, err := NewBuffer[string, int](Config{Buckets: 1}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pairs := []types.Pair[string, int]{{"b", 1}, {"a", 2}, {"b", 3}, {"c", 4}, {"a", 5}}
	if err := buf.Append(0, 0, pairs...); err != nil {
		t.Fatal(err)
	}
	buf.Seal()

	groups, err := buf.Collect(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Group[string, int]{
		{Key: "a", Values: []int{2, 5}},
		{Key: "b", Values: []int{1, 3}},
		{Key: "c", Values: []int{4}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Fatalf("got %+v, want %+v", groups, want)
	}
}

func TestValuesOrderedByTaskThenInsertion(t *testing.T) {
	buf, _ := NewBuffer[string, string](Config{Buckets: 1}, nil, nil)
	buf.Append(0, 2, types.Pair[string, string]{Key: "k", Value: "t2-first"})
	buf.Append(0, 1, types.Pair[string, string]{Key: "k", Value: "t1-first"})
	buf.Append(0, 2, types.Pair[string, string]{Key: "k", Value: "t2-second"})
	buf.Append(0, 1, types.Pair[string, string]{Key: "k", Value: "t1-second"})
	buf.Seal()

	groups, _ := buf.Collect(0)
	want := []string{"t1-first", "t1-second", "t2-first", "t2-second"}
	if len(groups) != 1 || !reflect.DeepEqual(groups[0].Values, want) {
		t.Fatalf("got %+v, want values %v", groups, want)
	}
}

func TestSealBarrier(t *testing.T) {
	buf, _ := NewBuffer[string, int](Config{Buckets: 2}, nil, nil)

	if _, err := buf.Drain(0); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("drain before seal should fail with ErrNotSealed, got %v", err)
	}
	buf.Seal()
	if err := buf.Append(0, 0, types.Pair[string, int]{Key: "x", Value: 1}); !errors.Is(err, ErrSealed) {
		t.Fatalf("append after seal should fail with ErrSealed, got %v", err)
	}
	if _, err := buf.Drain(5); err == nil {
		t.Fatalf("drain of bucket out of range should fail")
	}

	groups, err := buf.Collect(1)
	if err != nil || len(groups) != 0 {
		t.Fatalf("empty bucket should drain to nothing, got %v %v", groups, err)
	}
}

// TestSpillRoundTrip checks that spilling to either store gives exactly the
// grouped view of an all-in-memory buffer holding the same pairs.
func TestSpillRoundTrip(t *testing.T) {
	const tasks, perTask, buckets = 6, 500, 4

	memBuf, _ := NewBuffer[string, reading](Config{Buckets: buckets}, nil, nil)
	fill(t, memBuf, tasks, perTask)
	memBuf.Seal()
	want := collectAll(t, memBuf)

	dir := t.TempDir()
	fileStore, err := NewFileStore(filepath.Join(dir, "segments"))
	if err != nil {
		t.Fatal(err)
	}
	boltStore, err := NewBoltStore(filepath.Join(dir, "spill.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer boltStore.Close()

	for name, store := range map[string]SpillStore{"file": fileStore, "bolt": boltStore} {
		t.Run(name, func(t *testing.T) {
			buf, err := NewBuffer[string, reading](Config{Buckets: buckets, SpillThreshold: 37}, store, nil)
			if err != nil {
				t.Fatal(err)
			}
			fill(t, buf, tasks, perTask)
			buf.Seal()

			stats := buf.Stats()
			if stats.Segments == 0 {
				t.Fatalf("expected spills with threshold 37, got none")
			}
			if stats.Appended != tasks*perTask {
				t.Fatalf("appended %d, want %d", stats.Appended, tasks*perTask)
			}

			got := collectAll(t, buf)
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("spilled view differs from in-memory view")
			}

			// Draining twice gives the same answer.
			again := collectAll(t, buf)
			if !reflect.DeepEqual(again, want) {
				t.Fatalf("second drain differs")
			}

			if err := buf.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			t.Logf("✓ %s store: %d segments, %d spilled entries", name, stats.Segments, stats.SpilledEntries)
		})
	}

	left, _ := os.ReadDir(fileStore.Dir())
	if len(left) != 0 {
		t.Fatalf("release should delete segment files, %d left", len(left))
	}
}

func TestFileStoreTempDirRemoved(t *testing.T) {
	store, err := NewFileStore("")
	if err != nil {
		t.Fatal(err)
	}
	dir := store.Dir()
	w, err := store.Create(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	w.Append([]byte("a"))
	w.Close()

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("owned spill dir should be removed, stat err=%v", err)
	}
}

func TestBoltStorePaging(t *testing.T) {
	store, err := NewBoltStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	const n = boltWriteBatch*2 + boltReadPage + 3
	w, err := store.Create(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := w.Append([]byte(fmt.Sprintf("rec-%05d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.Open(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i := 0; i < n; i++ {
		rec, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if string(rec) != fmt.Sprintf("rec-%05d", i) {
			t.Fatalf("record %d = %s", i, rec)
		}
	}
	if _, err := r.Next(); err == nil {
		t.Fatalf("expected EOF after %d records", n)
	}

	if err := store.Remove(1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(1, 0); err == nil {
		t.Fatalf("removed segment should not open")
	}
}

func TestNewBufferValidation(t *testing.T) {
	if _, err := NewBuffer[string, int](Config{Buckets: 0}, nil, nil); err == nil {
		t.Fatalf("zero buckets should fail")
	}
	if _, err := NewBuffer[string, int](Config{Buckets: 1, SpillThreshold: 10}, nil, nil); err == nil {
		t.Fatalf("spill threshold without a store should fail")
	}
}

func BenchmarkAppendSpill(b *testing.B) {
	store, _ := NewFileStore(b.TempDir())
	buf, _ := NewBuffer[string, int](Config{Buckets: 8, SpillThreshold: 4096}, store, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(i%8, 0, types.Pair[string, int]{Key: fmt.Sprintf("k%d", i%1000), Value: i})
	}
}

func init() {
	gob.Register(reading{})
}

// spillMatchesMemory appends pairs to an in-memory buffer and to a buffer
// that spills every entry, and checks both drain to the same groups.
func spillMatchesMemory[K cmp.Ordered, V any](t *testing.T, store SpillStore, pairs []types.Pair[K, V]) []types.Group[K, V] {
	t.Helper()
	mem, _ := NewBuffer[K, V](Config{Buckets: 1}, nil, nil)
	spill, err := NewBuffer[K, V](Config{Buckets: 1, SpillThreshold: 1}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer spill.Close()

	for i, p := range pairs {
		if err := mem.Append(0, i%2, p); err != nil {
			t.Fatal(err)
		}
		if err := spill.Append(0, i%2, p); err != nil {
			t.Fatalf("spilling append %d: %v", i, err)
		}
	}
	mem.Seal()
	spill.Seal()
	if got := spill.Stats().Segments; got != int64(len(pairs)) {
		t.Fatalf("segments = %d, want %d", got, len(pairs))
	}

	want, err := mem.Collect(0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := spill.Collect(0)
	if err != nil {
		t.Fatalf("drain spilled bucket: %v", err)
	}
	// %#v tells -0 from 0; DeepEqual tells int from float64.
	if !reflect.DeepEqual(got, want) || fmt.Sprintf("%#v", got) != fmt.Sprintf("%#v", want) {
		t.Fatalf("spilled groups differ:\nmem=%#v\nspill=%#v", want, got)
	}
	return want
}

func TestSpillPreservesKeysAndValues(t *testing.T) {
	stores := map[string]func(t *testing.T) SpillStore{
		"file": func(t *testing.T) SpillStore {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
		"bolt": func(t *testing.T) SpillStore {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "spill.db"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name+"/raw-string-keys", func(t *testing.T) {
			groups := spillMatchesMemory(t, open(t), []types.Pair[string, int]{
				{Key: "\xff", Value: 1}, {Key: "\xfe", Value: 2}, {Key: "ünïcode", Value: 3},
				{Key: "日本", Value: 4}, {Key: "line\nbreak", Value: 5}, {Key: "", Value: 6}, {Key: "\xff", Value: 7},
			})
			if len(groups) != 6 {
				t.Fatalf("expected 6 distinct keys, got %d: %q", len(groups), groups)
			}
		})
		t.Run(name+"/float-keys", func(t *testing.T) {
			groups := spillMatchesMemory(t, open(t), []types.Pair[float64, string]{
				{Key: math.Inf(1), Value: "inf"}, {Key: math.Copysign(0, -1), Value: "neg-zero"},
				{Key: math.Inf(-1), Value: "-inf"}, {Key: 0, Value: "zero"}, {Key: 1.5, Value: "x"},
			})
			if len(groups) != 4 || !math.IsInf(groups[0].Key, -1) || !math.IsInf(groups[3].Key, 1) {
				t.Fatalf("unexpected float groups %v", groups)
			}
			if !math.Signbit(groups[1].Key) || len(groups[1].Values) != 2 {
				t.Fatalf("zero group should keep the first key -0 and both values, got %#v", groups[1])
			}
		})
		t.Run(name+"/interface-values", func(t *testing.T) {
			spillMatchesMemory(t, open(t), []types.Pair[string, any]{
				{Key: "a", Value: 1}, {Key: "a", Value: "one"}, {Key: "a", Value: 2.5},
				{Key: "b", Value: nil}, {Key: "b", Value: reading{Station: "s", Temp: -3}},
				{Key: "b", Value: math.Copysign(0, -1)}, {Key: "c", Value: int64(7)},
			})
		})
		t.Run(name+"/float-values", func(t *testing.T) {
			spillMatchesMemory(t, open(t), []types.Pair[int, float64]{
				{Key: 1, Value: math.Copysign(0, -1)}, {Key: 1, Value: math.Inf(1)}, {Key: 2, Value: 0},
			})
		})
	}
	t.Logf("✓ spilled entries keep raw bytes, infinities, signed zero and concrete types")
}

func TestFileStoreRawRecords(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	recs := [][]byte{[]byte("a\nb"), {}, {0, 0xff, '\n'}, bytes.Repeat([]byte{'x'}, 300)}
	w, err := store.Create(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if err := w.Append(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.Open(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i, want := range recs {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d = %q, want %q", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
