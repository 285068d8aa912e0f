// Package sink writes the per-run CSV artifacts: the rejected rows (as they
// were received) and the processed rows (as they were loaded).
package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dwetl/internal/schema"
	"dwetl/internal/transformer"
)

// TimestampLayout names artifacts; both artifacts of one run share it.
const TimestampLayout = "20060102150405"

const (
	KindRejected  = "rejected"
	KindProcessed = "processed"
)

// Archiver mirrors a written artifact somewhere else (object storage).
type Archiver interface {
	Archive(ctx context.Context, kind string, path string) error
}

// Writer writes artifacts into two directories, creating them on demand.
type Writer struct {
	RejectedDir  string
	ProcessedDir string

	// Archiver is optional. When set, every written artifact is mirrored and
	// a mirror failure fails the write.
	Archiver Archiver
}

// ArtifactName returns "<entity>_<kind>_<YYYYmmddHHMMSS>.csv".
func ArtifactName(entity, kind string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s.csv", entity, kind, ts.Format(TimestampLayout))
}

// WriteRejected writes rows with the original header and raw values.
//
// Edge cases:
//   - No file is written for an empty slice; the returned path is "".
//   - Rows shorter than the header are padded with empty cells.
func (w *Writer) WriteRejected(ctx context.Context, d schema.Descriptor, header []string, rows []transformer.Rejection, ts time.Time) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	path := filepath.Join(w.RejectedDir, ArtifactName(d.Name, KindRejected, ts))
	err := writeCSV(path, header, len(rows), func(i int) []string {
		vals := rows[i].Row.Values
		if len(vals) >= len(header) {
			return vals
		}
		out := make([]string, len(header))
		copy(out, vals)
		return out
	})
	if err != nil {
		return "", fmt.Errorf("write rejected: %w", err)
	}
	return path, w.archive(ctx, KindRejected, path)
}

// WriteProcessed writes the loaded records with the entity's output columns
// (derived ones included). A file is written even when recs is empty.
func (w *Writer) WriteProcessed(ctx context.Context, d schema.Descriptor, recs []transformer.Record, ts time.Time) (string, error) {
	path := filepath.Join(w.ProcessedDir, ArtifactName(d.Name, KindProcessed, ts))
	err := writeCSV(path, d.ColumnNames(), len(recs), func(i int) []string {
		out := make([]string, len(recs[i].V))
		for j, v := range recs[i].V {
			out[j] = transformer.FormatValue(v)
		}
		return out
	})
	if err != nil {
		return "", fmt.Errorf("write processed: %w", err)
	}
	return path, w.archive(ctx, KindProcessed, path)
}

func (w *Writer) archive(ctx context.Context, kind, path string) error {
	if w.Archiver == nil {
		return nil
	}
	if err := w.Archiver.Archive(ctx, kind, path); err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeCSV writes into a temp file in the target directory and renames it, so
// a partially written artifact never appears under its final name.
func writeCSV(path string, header []string, n int, row func(i int) []string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	cw := csv.NewWriter(f)
	if err = cw.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err = cw.Write(row(i)); err != nil {
			return err
		}
	}
	cw.Flush()
	if err = cw.Error(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
