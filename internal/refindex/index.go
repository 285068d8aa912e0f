// Package refindex snapshots dimension keys and splits fact records into the
// ones whose foreign keys all resolve and the ones that do not.
package refindex

import (
	"context"
	"fmt"
	"strings"

	"dwetl/internal/schema"
	"dwetl/internal/storage"
	"dwetl/internal/transformer"
)

// Index is a point-in-time snapshot of the key sets referenced by one
// entity's foreign keys. It is read-only after Load.
type Index struct {
	fks  []schema.ForeignKey
	pos  []int
	keys []map[string]struct{}
}

// Load reads, once per referenced table, the key set of every foreign key of d.
//
// Edge cases:
//   - A descriptor without foreign keys yields an empty index whose Partition
//     accepts everything.
//   - An empty dimension table yields an empty key set, so every record
//     referencing it is rejected.
//
// Errors:
//   - Store read failures are returned wrapped with the referenced table.
func Load(ctx context.Context, kr storage.KeyReader, d schema.Descriptor) (*Index, error) {
	ix := &Index{}
	cache := map[string]map[string]struct{}{}

	for _, fk := range d.ForeignKeys {
		p := d.Index(fk.Column)
		if p < 0 {
			return nil, fmt.Errorf("refindex: %s: unknown fk column %q", d.Name, fk.Column)
		}
		ck := fk.RefTable + "." + fk.RefColumn
		set, ok := cache[ck]
		if !ok {
			var err error
			set, err = kr.SelectKeys(ctx, fk.RefTable, fk.RefColumn)
			if err != nil {
				return nil, fmt.Errorf("refindex: read keys of %s: %w", ck, err)
			}
			cache[ck] = set
		}
		ix.fks = append(ix.fks, fk)
		ix.pos = append(ix.pos, p)
		ix.keys = append(ix.keys, set)
	}
	return ix, nil
}

// Size returns the number of keys known for the foreign key on column.
func (ix *Index) Size(column string) int {
	for i, fk := range ix.fks {
		if fk.Column == column {
			return len(ix.keys[i])
		}
	}
	return 0
}

// Missing returns the foreign keys of rec that do not resolve.
func (ix *Index) Missing(rec transformer.Record) []schema.ForeignKey {
	var out []schema.ForeignKey
	for _, i := range ix.unresolved(rec) {
		out = append(out, ix.fks[i])
	}
	return out
}

func (ix *Index) unresolved(rec transformer.Record) []int {
	var out []int
	for i := range ix.fks {
		if _, ok := ix.keys[i][storage.NormalizeKey(rec.V[ix.pos[i]])]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Partition splits recs, preserving order. A record is valid only when every
// foreign key resolves; invalid records are returned as rejections naming the
// unresolved references. Valid records are renumbered so Ordinal stays the
// 1-based position in the returned slice.
func (ix *Index) Partition(recs []transformer.Record) (valid []transformer.Record, invalid []transformer.Rejection) {
	for _, rec := range recs {
		miss := ix.unresolved(rec)
		if len(miss) == 0 {
			rec.Ordinal = len(valid) + 1
			valid = append(valid, rec)
			continue
		}
		parts := make([]string, len(miss))
		for j, i := range miss {
			parts[j] = fmt.Sprintf("%s=%s", ix.fks[i].Column, storage.NormalizeKey(rec.V[ix.pos[i]]))
		}
		invalid = append(invalid, rec.Reject("unknown "+strings.Join(parts, ", ")))
	}
	return valid, invalid
}
