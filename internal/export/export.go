// Package export moves the record store in and out of portable files.
//
// JSONL is the round-trip format: one record per line, readable by Import.
// YAML is export-only, for reading.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

// Format is an export file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl", "json":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want jsonl or yaml)", s)
	}
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// WriteJSONL writes every stored record to w, one JSON object per line.
// Returns the number of records written.
func WriteJSONL(ctx context.Context, st *store.Store, w io.Writer) (int, error) {
	records, err := st.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return i, fmt.Errorf("failed to encode record %d: %w", records[i].ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(records), fmt.Errorf("failed to flush output: %w", err)
	}
	return len(records), nil
}

// WriteYAML writes every stored record to w as one YAML sequence.
func WriteYAML(ctx context.Context, st *store.Store, w io.Writer) (int, error) {
	records, err := st.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read records: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return 0, fmt.Errorf("failed to encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish yaml: %w", err)
	}
	return len(records), nil
}

// Write exports in the given format.
func Write(ctx context.Context, st *store.Store, w io.Writer, format Format) (int, error) {
	switch format {
	case FormatJSONL:
		return WriteJSONL(ctx, st, w)
	case FormatYAML:
		return WriteYAML(ctx, st, w)
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}
}

// WriteFile exports to path, replacing it atomically.
func WriteFile(ctx context.Context, st *store.Store, path string, format Format) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := Write(ctx, st, tmp, format)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadJSONL parses records from r. Blank lines are skipped; any malformed or
// invalid record fails the whole read with its line number.
func ReadJSONL(r io.Reader) ([]schema.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []schema.Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec schema.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return records, nil
}

// Import reads JSONL records from r and merges them into the store with the
// store's restore rules: stored values win and viewed never goes back.
func Import(ctx context.Context, st *store.Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	records, err := ReadJSONL(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{Read: len(records)}

	// Last occurrence of an id wins within one file.
	seen := make(map[int64]int, len(records))
	unique := make([]schema.Record, 0, len(records))
	for _, rec := range records {
		if i, ok := seen[rec.ID]; ok {
			unique[i] = rec
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate id %d, keeping last", rec.ID))
			continue
		}
		seen[rec.ID] = len(unique)
		unique = append(unique, rec)
	}

	if opts.DryRun {
		return result, nil
	}

	if err := st.Restore(ctx, unique); err != nil {
		return result, fmt.Errorf("failed to restore records: %w", err)
	}
	result.Imported = len(unique)
	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, st *store.Store, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("input file does not exist: %w", err)
		}
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	return Import(ctx, st, f, opts)
}
