package multitable

import (
	"context"
	"fmt"

	"dwetl/internal/schema"
	"dwetl/internal/storage"
	"dwetl/internal/transformer"
)

// StageRecords (re)creates the entity's staging table on sess and bulk-loads
// recs into it.
//
// Each staged row carries its 1-based position in recs as storage.SeqColumn.
// The merge keeps, per business key, the row with the greatest position, so
// the order of recs is the documented last-write-wins order.
//
// Edge cases:
//   - An empty recs still creates an empty staging table; the engine skips
//     the call entirely for empty batches.
//
// Errors:
//   - Store errors are wrapped with the staging table name.
//   - A short load (fewer rows acknowledged than sent) is an error.
func StageRecords(ctx context.Context, sess storage.Session, d schema.Descriptor, recs []transformer.Record) (int64, error) {
	spec := d.StagingSpec()
	if err := sess.CreateStaging(ctx, spec); err != nil {
		return 0, fmt.Errorf("create staging %s: %w", spec.Name, err)
	}

	width := len(d.Columns)
	rows := make([][]any, len(recs))
	for i, r := range recs {
		if len(r.V) != width {
			return 0, fmt.Errorf("stage %s: record at line %d has %d values, want %d", d.Name, r.Line, len(r.V), width)
		}
		row := make([]any, 0, width+1)
		row = append(row, int64(i+1))
		row = append(row, r.V...)
		rows[i] = row
	}

	n, err := sess.CopyStaging(ctx, spec.Name, spec.ColumnNames(), rows)
	if err != nil {
		return n, fmt.Errorf("load staging %s: %w", spec.Name, err)
	}
	if n != int64(len(rows)) {
		return n, fmt.Errorf("load staging %s: staged %d of %d rows", spec.Name, n, len(rows))
	}
	return n, nil
}
