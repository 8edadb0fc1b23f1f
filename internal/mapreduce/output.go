package mapreduce

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"DistMR/internal/types"
)

// WriteLines writes pairs as `<json key>\t<json value>` lines in order.
func WriteLines[K cmp.Ordered, O any](w io.Writer, pairs []types.Pair[K, O]) error {
	bw := bufio.NewWriter(w)
	for _, p := range pairs {
		k, err := json.Marshal(p.Key)
		if err != nil {
			return fmt.Errorf("failed to encode key %v: %w", p.Key, err)
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return fmt.Errorf("failed to encode value for key %v: %w", p.Key, err)
		}
		bw.Write(k)
		bw.WriteByte('\t')
		bw.Write(v)
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return bw.Flush()
}

// CreateOutput creates an output file, creating parent directories.
func CreateOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f, nil
}
