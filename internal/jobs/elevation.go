package jobs

import (
	"fmt"
	"strconv"
	"strings"

	"DistMR/internal/types"
)

// ElevRange is the elevation span of one station.
type ElevRange struct {
	MinElev int `json:"min_elev"`
	MaxElev int `json:"max_elev"`
}

// Elevation maps "usaf wban elev" lines to the elevation range of each
// station, keyed "usaf-wban".
type Elevation struct {
	skipper
}

func NewElevation(opts Options) *Elevation {
	e := &Elevation{}
	e.lenient = opts.Lenient
	e.logger = opts.Logger
	return e
}

func (e *Elevation) Map(rec types.Record) ([]types.Pair[string, int], error) {
	fields := strings.Fields(rec.Value)
	if len(fields) != 3 {
		return nil, e.bad(rec, fmt.Errorf("expected 3 fields (usaf wban elev), got %d", len(fields)))
	}
	elev, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, e.bad(rec, fmt.Errorf("invalid elevation %q: %w", fields[2], err))
	}
	return []types.Pair[string, int]{{Key: fields[0] + "-" + fields[1], Value: elev}}, nil
}

func (e *Elevation) Reduce(station string, elevations []int) ([]types.Pair[string, ElevRange], error) {
	r := ElevRange{MinElev: elevations[0], MaxElev: elevations[0]}
	for _, v := range elevations[1:] {
		r.MinElev = min(r.MinElev, v)
		r.MaxElev = max(r.MaxElev, v)
	}
	return []types.Pair[string, ElevRange]{{Key: station, Value: r}}, nil
}
