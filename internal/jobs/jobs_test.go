package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/reader"
	"DistMR/internal/types"
)

func newController(t *testing.T) *mapreduce.Controller {
	t.Helper()
	c, err := mapreduce.NewController(mapreduce.Config{ShardSize: 128, Logger: logger.Nop()})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func runJob(t *testing.T, name string, opts Options, input string) (string, Summary, error) {
	t.Helper()
	spec, err := Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	var out bytes.Buffer
	sum, err := spec.Run(context.Background(), newController(t), []reader.Source{reader.FromString(name+".txt", input)}, opts, &out)
	return out.String(), sum, err
}

// ncdc builds a fixed-width record with the given wind direction,
// temperature and quality code in place.
func ncdc(windDir, temp, quality string) string {
	return strings.Repeat("0", windDirStart) + windDir +
		strings.Repeat("9", tempStart-windDirEnd) + temp + quality + "1"
}

func TestElevationJob(t *testing.T) {
	out, sum, err := runJob(t, "elevation", Options{NumBuckets: 3}, "010010 99999 0181\n010010 99999 0179\n")
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	want := "\"010010-99999\"\t{\"min_elev\":179,\"max_elev\":181}\n"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if sum.Outputs != 1 || sum.Record.Status != types.JobCompleted || sum.Record.NumBuckets != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	t.Logf("✓ elevation job %s: %s", sum.JobID, strings.TrimSpace(out))
}

func TestMaxColumnJob(t *testing.T) {
	out, _, err := runJob(t, "maxcol", Options{NumBuckets: 1}, "A,x,5\nA,x,9\nB,x,2\n")
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if want := "\"A\"\t9\n\"B\"\t2\n"; out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestWindTempJob(t *testing.T) {
	lines := []string{
		ncdc("320", "+0012", "1"),
		ncdc("320", "-0031", "5"),
		ncdc("320", "+0101", "0"),
		ncdc("320", "+0500", "2"), // suspect quality
		ncdc("320", missingTemp, "1"),
		ncdc("090", "+0044", "9"),
		"too short to carry a reading",
	}
	out, _, err := runJob(t, "windtemp", Options{NumBuckets: 1}, strings.Join(lines, "\n")+"\n")
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	want := "\"090\"\t{\"low\":44,\"high\":44,\"count\":1}\n" +
		"\"320\"\t{\"low\":-31,\"high\":101,\"count\":3}\n"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestWindTempFieldPositions(t *testing.T) {
	line := ncdc("270", "+0020", "4")
	if line[60:63] != "270" || line[87:92] != "+0020" || line[92:93] != "4" {
		t.Fatalf("fixture misaligned: %q", line)
	}
	w := NewWindTemp(Options{Logger: logger.Nop()})
	got, err := w.Map(types.Record{Value: line})
	if err != nil || len(got) != 1 || got[0].Key != "270" || got[0].Value != (TempStats{Low: 20, High: 20, Count: 1}) {
		t.Fatalf("Map = %+v, %v", got, err)
	}
}

func TestMalformedLineFailsJob(t *testing.T) {
	_, sum, err := runJob(t, "elevation", Options{RetryBound: mapreduce.NoRetry}, "010010 99999 0181\nnot a station\n")
	var mapErr *types.MapTaskError
	if !errors.As(err, &mapErr) {
		t.Fatalf("expected MapTaskError, got %v", err)
	}
	var jobErr *types.JobError
	if !errors.As(err, &jobErr) || jobErr.Phase != types.JobMapping {
		t.Fatalf("expected JobError in mapping phase, got %v", err)
	}
	if sum.Record.Status != types.JobFailed {
		t.Fatalf("status = %s, want failed", sum.Record.Status)
	}
}

func TestLenientSkipsMalformedLines(t *testing.T) {
	input := "A,x,5\nbroken\nA,x,seven\nB,x,2\n"
	out, sum, err := runJob(t, "maxcol", Options{NumBuckets: 2, Lenient: true, Logger: logger.Nop()}, input)
	if err != nil {
		t.Fatalf("lenient job failed: %v", err)
	}
	if sum.Skipped != 2 {
		t.Fatalf("Skipped = %d, want 2", sum.Skipped)
	}
	if !strings.Contains(out, "\"A\"\t5\n") || !strings.Contains(out, "\"B\"\t2\n") {
		t.Fatalf("unexpected output %q", out)
	}
	t.Logf("✓ skipped %d malformed lines", sum.Skipped)
}

func TestLookup(t *testing.T) {
	if got := Names(); strings.Join(got, ",") != "elevation,maxcol,windtemp" {
		t.Fatalf("Names() = %v", got)
	}
	if _, err := Lookup("grep"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
