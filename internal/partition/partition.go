package partition

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"

	"DistMR/internal/types"
)

// Func assigns a key to a bucket in [0, r).
type Func[K cmp.Ordered] func(key K, r int) (int, error)

// Hash is the 31-bit FNV-1a hash of s.
func Hash(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}

// Partition is the default policy: hash of the key's canonical form mod r.
func Partition[K cmp.Ordered](key K, r int) (int, error) {
	if r <= 0 {
		return 0, &types.PartitionError{Reason: fmt.Sprintf("bucket count must be positive, got %d", r)}
	}
	s, err := Canonical(key)
	if err != nil {
		return 0, err
	}
	return Hash(s) % r, nil
}

// Canonical returns the serialization used to hash a key. Two keys that
// compare equal always have the same canonical form.
func Canonical[K cmp.Ordered](key K) (string, error) {
	switch k := any(key).(type) {
	case string:
		return k, nil
	case int:
		return strconv.FormatInt(int64(k), 10), nil
	case int8:
		return strconv.FormatInt(int64(k), 10), nil
	case int16:
		return strconv.FormatInt(int64(k), 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case uintptr:
		return strconv.FormatUint(uint64(k), 10), nil
	case float32:
		return canonicalFloat(float64(k), 32)
	case float64:
		return canonicalFloat(k, 64)
	}
	// Named types over the builtin kinds.
	if isNaN(key) {
		return "", &types.PartitionError{Key: fmt.Sprint(key), Reason: "NaN keys cannot be grouped"}
	}
	if key == *new(K) {
		return fmt.Sprint(*new(K)), nil
	}
	return fmt.Sprint(key), nil
}

func canonicalFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) {
		return "", &types.PartitionError{Key: "NaN", Reason: "NaN keys cannot be grouped"}
	}
	if f == 0 {
		f = 0 // fold -0
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}

func isNaN[K cmp.Ordered](k K) bool {
	return k != k
}

// Spread counts how many of keys land in each of r buckets.
func Spread[K cmp.Ordered](keys []K, r int, fn Func[K]) ([]int, error) {
	if fn == nil {
		fn = Partition[K]
	}
	counts := make([]int, r)
	for _, k := range keys {
		b, err := fn(k, r)
		if err != nil {
			return nil, err
		}
		counts[b]++
	}
	return counts, nil
}

// Check validates a custom policy's answer.
func Check(bucket, r int) error {
	if bucket < 0 || bucket >= r {
		return &types.PartitionError{Reason: fmt.Sprintf("bucket %d out of range [0, %d)", bucket, r)}
	}
	return nil
}
