package jobs

import (
	"fmt"
	"strconv"
	"strings"

	"DistMR/internal/types"
)

// MaxColumn maps CSV rows "key,_,value" to the largest integer value seen
// for each key.
type MaxColumn struct {
	skipper
}

func NewMaxColumn(opts Options) *MaxColumn {
	m := &MaxColumn{}
	m.lenient = opts.Lenient
	m.logger = opts.Logger
	return m
}

func (m *MaxColumn) Map(rec types.Record) ([]types.Pair[string, int], error) {
	cols := strings.Split(strings.TrimSpace(rec.Value), ",")
	if len(cols) < 3 {
		return nil, m.bad(rec, fmt.Errorf("expected at least 3 columns, got %d", len(cols)))
	}
	v, err := strconv.Atoi(strings.TrimSpace(cols[2]))
	if err != nil {
		return nil, m.bad(rec, fmt.Errorf("invalid value %q: %w", cols[2], err))
	}
	return []types.Pair[string, int]{{Key: cols[0], Value: v}}, nil
}

func (m *MaxColumn) Reduce(key string, values []int) ([]types.Pair[string, int], error) {
	best := values[0]
	for _, v := range values[1:] {
		best = max(best, v)
	}
	return []types.Pair[string, int]{{Key: key, Value: best}}, nil
}
