package jobs

import (
	"fmt"
	"strconv"
	"strings"

	"DistMR/internal/types"
)

// NCDC fixed-width field positions.
const (
	windDirStart = 60
	windDirEnd   = 63
	tempStart    = 87
	tempEnd      = 92
	qualityPos   = 92

	missingTemp = "+9999"
)

// TempStats summarises the temperatures observed for one wind direction.
type TempStats struct {
	Low   int `json:"low"`
	High  int `json:"high"`
	Count int `json:"count"`
}

// WindTemp reads NCDC records and reports the low, high and count of valid
// temperatures per wind direction. Records with a missing temperature or a
// suspect quality code are dropped.
type WindTemp struct {
	skipper
}

func NewWindTemp(opts Options) *WindTemp {
	w := &WindTemp{}
	w.lenient = opts.Lenient
	w.logger = opts.Logger
	return w
}

func goodQuality(q byte) bool {
	switch q {
	case '0', '1', '4', '5', '9':
		return true
	}
	return false
}

func (w *WindTemp) Map(rec types.Record) ([]types.Pair[string, TempStats], error) {
	line := strings.TrimSpace(rec.Value)
	// Short lines have no quality code and never pass the filter.
	if len(line) <= qualityPos {
		return nil, nil
	}
	temp := line[tempStart:tempEnd]
	if temp == missingTemp || !goodQuality(line[qualityPos]) {
		return nil, nil
	}
	t, err := strconv.Atoi(temp)
	if err != nil {
		return nil, w.bad(rec, fmt.Errorf("invalid temperature %q: %w", temp, err))
	}
	return []types.Pair[string, TempStats]{{
		Key:   line[windDirStart:windDirEnd],
		Value: TempStats{Low: t, High: t, Count: 1},
	}}, nil
}

func (w *WindTemp) Reduce(windDir string, values []TempStats) ([]types.Pair[string, TempStats], error) {
	s := values[0]
	for _, v := range values[1:] {
		s.Low = min(s.Low, v.Low)
		s.High = max(s.High, v.High)
		s.Count += v.Count
	}
	return []types.Pair[string, TempStats]{{Key: windDir, Value: s}}, nil
}
