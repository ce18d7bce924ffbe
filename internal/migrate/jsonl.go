// Package migrate exports activities to JSONL and imports them back.
//
// The format is one JSON activity per line, newest first:
//
//	{"id":"6f1c...","startDate":"2026-03-02T08:00:00Z","endDate":"2026-03-02T09:00:00Z","type":"sleep"}
//
// Import goes through a Repository, so imported records are stamped,
// recorded in history and synced like any other local write.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/repository"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Count what would change without writing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Added     int
	Updated   int
	Unchanged int
	Errors    []string
}

// Export writes every activity of repo to w and returns how many were written.
func Export(ctx context.Context, repo repository.Repository, w io.Writer) (int, error) {
	list, err := repo.Fetch(ctx, activity.All())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch activities: %w", err)
	}

	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)
	for _, a := range list {
		if err := encoder.Encode(a); err != nil {
			return 0, fmt.Errorf("failed to encode activity %s: %w", a.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}
	return len(list), nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, repo repository.Repository, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(ctx, repo, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temp file: %w", closeErr)
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

// Import reads activities from r and adds the missing ones and updates the
// existing ones. A bad line is recorded in the result and skipped; only a
// read error aborts the import.
func Import(ctx context.Context, repo repository.Repository, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var a activity.Activity
		if err := json.Unmarshal(line, &a); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if a.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing id", lineNum))
			continue
		}
		if a.StartDate.IsZero() {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing startDate", lineNum))
			continue
		}

		if err := importOne(ctx, repo, a, opts, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read import at line %d: %w", lineNum+1, err)
	}

	return result, nil
}

func importOne(ctx context.Context, repo repository.Repository, a activity.Activity, opts ImportOptions, result *ImportResult) error {
	existing, err := repo.Fetch(ctx, activity.ByID(a.ID))
	if err != nil {
		return err
	}

	switch {
	case len(existing) == 0:
		if !opts.DryRun {
			if err := repo.Add(ctx, a); err != nil {
				return err
			}
		}
		result.Added++
	case existing[0].Equal(a.Normalize()):
		result.Unchanged++
	default:
		if !opts.DryRun {
			if err := repo.Update(ctx, a); err != nil {
				return err
			}
		}
		result.Updated++
	}
	return nil
}

// ImportFile imports the JSONL file at path. With backup set, the current
// contents of repo are exported next to path first.
func ImportFile(ctx context.Context, repo repository.Repository, path string, opts ImportOptions, backup bool) (*ImportResult, string, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	var backupPath string
	if backup && !opts.DryRun {
		backupPath = path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := ExportFile(ctx, repo, backupPath); err != nil {
			return nil, "", fmt.Errorf("failed to create backup: %w", err)
		}
	}

	result, err := Import(ctx, repo, f, opts)
	return result, backupPath, err
}
