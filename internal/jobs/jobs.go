// Package jobs holds the sample workloads runnable from the command line.
package jobs

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/reader"
	"DistMR/internal/types"
)

// Options apply to a single run of a sample job.
type Options struct {
	// NumBuckets and RetryBound override the controller defaults when set.
	NumBuckets int
	RetryBound int
	// Lenient skips lines that fail to parse instead of failing the task.
	Lenient bool
	Logger  *logger.Logger
}

// Summary describes a finished run.
type Summary struct {
	JobID   string
	Outputs int
	Skipped int64
	Record  types.JobRecord
}

// Spec is a registered sample job.
type Spec struct {
	Name        string
	Description string
	run         func(ctx context.Context, c *mapreduce.Controller, sources []reader.Source, opts Options, w io.Writer) (Summary, error)
}

// Run executes the job over sources and writes its output lines to w.
func (s Spec) Run(ctx context.Context, c *mapreduce.Controller, sources []reader.Source, opts Options, w io.Writer) (Summary, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return s.run(ctx, c, sources, opts, w)
}

var registry = map[string]Spec{
	"elevation": {
		Name:        "elevation",
		Description: "min and max elevation per weather station (usaf wban elev)",
		run: func(ctx context.Context, c *mapreduce.Controller, sources []reader.Source, opts Options, w io.Writer) (Summary, error) {
			return run[string, int, ElevRange](ctx, c, sources, NewElevation(opts), opts, w)
		},
	},
	"maxcol": {
		Name:        "maxcol",
		Description: "max of the third CSV column per first-column key",
		run: func(ctx context.Context, c *mapreduce.Controller, sources []reader.Source, opts Options, w io.Writer) (Summary, error) {
			return run[string, int, int](ctx, c, sources, NewMaxColumn(opts), opts, w)
		},
	},
	"windtemp": {
		Name:        "windtemp",
		Description: "low, high and count of temperatures per wind direction (NCDC fixed width)",
		run: func(ctx context.Context, c *mapreduce.Controller, sources []reader.Source, opts Options, w io.Writer) (Summary, error) {
			return run[string, TempStats, TempStats](ctx, c, sources, NewWindTemp(opts), opts, w)
		},
	},
}

// Names returns the registered job names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the job registered under name.
func Lookup(name string) (Spec, error) {
	s, ok := registry[name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown job %q (available: %v)", name, Names())
	}
	return s, nil
}

// skipper is embedded by jobs that support lenient parsing.
type skipper struct {
	lenient bool
	logger  *logger.Logger
	skipped atomic.Int64
}

// bad reports a malformed line: nil output with nil error when lenient,
// otherwise the error.
func (s *skipper) bad(rec types.Record, err error) error {
	if !s.lenient {
		return err
	}
	s.skipped.Add(1)
	s.logger.Debug("Skipping malformed record: source=%s offset=%d err=%v", rec.Source, rec.Offset, err)
	return nil
}

// Skipped counts malformed lines skipped so far, including repeats from
// retried map tasks.
func (s *skipper) Skipped() int64 {
	return s.skipped.Load()
}

type counted interface {
	Skipped() int64
}

func run[K cmp.Ordered, V any, O any](ctx context.Context, c *mapreduce.Controller, sources []reader.Source,
	job mapreduce.Job[K, V, O], opts Options, w io.Writer) (Summary, error) {
	h, err := mapreduce.Submit[K, V, O](ctx, c, sources, job, mapreduce.SubmitOptions[K]{
		NumBuckets: opts.NumBuckets,
		RetryBound: opts.RetryBound,
	})
	if err != nil {
		return Summary{}, err
	}

	out, err := h.Result(ctx)
	sum := Summary{JobID: h.ID(), Outputs: len(out), Record: h.Record()}
	if cj, ok := job.(counted); ok {
		sum.Skipped = cj.Skipped()
	}
	if err != nil {
		return sum, err
	}
	if err := mapreduce.WriteLines(w, out); err != nil {
		return sum, fmt.Errorf("failed to write output: %w", err)
	}
	return sum, nil
}
