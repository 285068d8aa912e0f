package multitable

import (
	"context"
	"path/filepath"
	"time"

	"dwetl/internal/parser/csv"
	"dwetl/internal/refindex"
	"dwetl/internal/schema"
	"dwetl/internal/storage"
	"dwetl/internal/transformer"
)

// SourcePath is where the extract for d is read from.
func (s Settings) SourcePath(d schema.Descriptor) string {
	return filepath.Join(s.RawDir, d.File)
}

// Extract reads the whole extract of d into memory and stamps it with ts.
func Extract(ctx context.Context, s Settings, d schema.Descriptor, ts time.Time) (*csv.Batch, error) {
	b, err := csv.ReadBatch(ctx, s.SourcePath(d), s.CSV)
	if err != nil {
		return nil, err
	}
	b.Timestamp = ts
	return b, nil
}

// Classification is a batch after validation and foreign key filtering.
type Classification struct {
	// Valid holds the records to load, in processing order.
	Valid []transformer.Record
	// Rejected holds schema-invalid rows followed by FK-invalid rows.
	Rejected []transformer.Rejection
	// FKRejected counts the FK-invalid tail of Rejected.
	FKRejected int
}

// Classify validates b against d and, when d has foreign keys, drops records
// whose references are unknown to kr.
//
// The key snapshot is read once per run, after validation, and only when
// there is at least one record to check.
//
// Errors:
//   - *transformer.SchemaError for a batch missing expected columns.
//   - Key read failures from kr.
func Classify(ctx context.Context, kr storage.KeyReader, b *csv.Batch, d schema.Descriptor, opt transformer.Options) (Classification, error) {
	res, err := transformer.Validate(b, d, opt)
	if err != nil {
		return Classification{}, err
	}
	c := Classification{Valid: res.Accepted, Rejected: res.Rejected}
	if len(d.ForeignKeys) == 0 || len(res.Accepted) == 0 {
		return c, nil
	}

	ix, err := refindex.Load(ctx, kr, d)
	if err != nil {
		return Classification{}, err
	}
	valid, invalid := ix.Partition(res.Accepted)
	c.Valid = valid
	c.FKRejected = len(invalid)
	c.Rejected = append(c.Rejected, invalid...)
	return c, nil
}
