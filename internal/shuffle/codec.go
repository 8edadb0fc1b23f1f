package shuffle

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// Segments are gob streams: the first record of a segment carries the type
// descriptions, so a segment is only decodable front to back by one
// segmentDecoder. Keys, and values of non-interface, non-pointer types, are
// encoded as top-level gob values so that -0 survives. Interface-typed
// values are boxed so the concrete type travels with them; custom concrete
// types behind an interface must be registered with gob.Register.

type entryHeader struct {
	Task int
	Seq  uint64
}

type boxed[V any] struct {
	V V
}

func boxValues[V any]() bool {
	switch reflect.TypeFor[V]().Kind() {
	case reflect.Interface, reflect.Pointer:
		return true
	}
	return false
}

type segmentEncoder[K cmp.Ordered, V any] struct {
	w   SegmentWriter
	buf bytes.Buffer
	enc *gob.Encoder
	box bool
}

func newSegmentEncoder[K cmp.Ordered, V any](w SegmentWriter) *segmentEncoder[K, V] {
	e := &segmentEncoder[K, V]{w: w, box: boxValues[V]()}
	e.enc = gob.NewEncoder(&e.buf)
	return e
}

// encode writes one entry as one segment record.
func (e *segmentEncoder[K, V]) encode(ent entry[K, V]) error {
	e.buf.Reset()
	if err := e.enc.Encode(entryHeader{Task: ent.Task, Seq: ent.Seq}); err != nil {
		return fmt.Errorf("failed to encode spill entry: %w", err)
	}
	if err := e.enc.Encode(ent.Key); err != nil {
		return fmt.Errorf("failed to encode spill key: %w", err)
	}
	var err error
	if e.box {
		err = e.enc.Encode(boxed[V]{V: ent.Value})
	} else {
		err = e.enc.Encode(ent.Value)
	}
	if err != nil {
		return fmt.Errorf("failed to encode spill value: %w", err)
	}
	return e.w.Append(e.buf.Bytes())
}

// recordStream presents a segment's records as one contiguous byte stream.
type recordStream struct {
	r   SegmentReader
	cur []byte
}

func (s *recordStream) Read(p []byte) (int, error) {
	for len(s.cur) == 0 {
		rec, err := s.r.Next()
		if err != nil {
			return 0, err
		}
		s.cur = rec
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

type segmentDecoder[K cmp.Ordered, V any] struct {
	dec *gob.Decoder
	box bool
}

func newSegmentDecoder[K cmp.Ordered, V any](r SegmentReader) *segmentDecoder[K, V] {
	return &segmentDecoder[K, V]{
		dec: gob.NewDecoder(&recordStream{r: r}),
		box: boxValues[V](),
	}
}

// decode returns the next entry, or false at the end of the segment.
func (d *segmentDecoder[K, V]) decode() (entry[K, V], bool, error) {
	var hdr entryHeader
	if err := d.dec.Decode(&hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return entry[K, V]{}, false, nil
		}
		return entry[K, V]{}, false, fmt.Errorf("failed to decode spill entry: %w", err)
	}
	e := entry[K, V]{Task: hdr.Task, Seq: hdr.Seq}
	if err := d.dec.Decode(&e.Key); err != nil {
		return entry[K, V]{}, false, fmt.Errorf("failed to decode spill key: %w", err)
	}
	if d.box {
		var b boxed[V]
		if err := d.dec.Decode(&b); err != nil {
			return entry[K, V]{}, false, fmt.Errorf("failed to decode spill value: %w", err)
		}
		e.Value = b.V
	} else if err := d.dec.Decode(&e.Value); err != nil {
		return entry[K, V]{}, false, fmt.Errorf("failed to decode spill value: %w", err)
	}
	return e, true, nil
}
