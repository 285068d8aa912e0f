// Package csv reads a delimited extract into an in-memory Batch.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RawRow is one data row as read from the source. Values are positionally
// aligned to Batch.Header and never trimmed, so rejected rows can be written
// back exactly as received.
type RawRow struct {
	// Line is the 1-based line of the record in the source (the header is line 1).
	Line   int
	Values []string
}

// Value returns the cell at column i, or "" when the row is shorter than the header.
func (r RawRow) Value(i int) string {
	if i < 0 || i >= len(r.Values) {
		return ""
	}
	return r.Values[i]
}

// Batch is the full content of one extract plus its run timestamp.
type Batch struct {
	Source    string
	Header    []string
	Rows      []RawRow
	Timestamp time.Time
}

// Index maps normalized header names to their column position. When a name
// appears twice, the first occurrence wins.
func (b *Batch) Index() map[string]int {
	idx := make(map[string]int, len(b.Header))
	for i, h := range b.Header {
		n := NormalizeHeader(h)
		if _, dup := idx[n]; !dup {
			idx[n] = i
		}
	}
	return idx
}

// Options controls parsing.
type Options struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// LazyQuotes relaxes quote handling (see encoding/csv).
	LazyQuotes bool
	// HeaderMap renames raw header cells before normalization.
	HeaderMap map[string]string
}

// ReadBatch opens path and parses it with ParseBatch.
//
// Errors:
//   - A missing or unreadable file is returned wrapped; callers treat it as an
//     extraction failure.
func ReadBatch(ctx context.Context, path string, opt Options) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	defer f.Close()
	return ParseBatch(ctx, f, path, opt)
}

// ErrNoHeader is returned when the source is empty.
var ErrNoHeader = errors.New("csv: source has no header row")

// ParseBatch reads a header row followed by data rows.
//
// Rows may have fewer or more cells than the header; short rows are read as
// empty cells for the missing positions. Blank lines are skipped by
// encoding/csv. A malformed record (bare quote) fails the whole batch: the
// pipeline never silently drops input.
func ParseBatch(ctx context.Context, r io.Reader, source string, opt Options) (*Batch, error) {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: %w", source, ErrNoHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", source, err)
	}

	b := &Batch{Source: source, Header: make([]string, len(hdr))}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := opt.HeaderMap[strings.TrimSpace(h)]; ok {
			h = mapped
		}
		b.Header[i] = h
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			return b, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: csv read: %w", source, err)
		}
		line, _ := cr.FieldPos(0)
		b.Rows = append(b.Rows, RawRow{Line: line, Values: rec})
	}
}

// foldDiacritics returns a fresh transformer; a transform.Chain holds buffers
// and must not be shared between goroutines.
func foldDiacritics() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// NormalizeHeader canonicalizes a header cell: BOM stripped, trimmed,
// diacritics folded, lower-cased, inner spaces and dashes turned into '_'.
// "Catégorie Client" becomes "categorie_client".
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	if folded, _, err := transform.String(foldDiacritics(), h); err == nil {
		h = folded
	}
	h = strings.ToLower(h)
	h = strings.Join(strings.Fields(h), "_")
	return strings.ReplaceAll(h, "-", "_")
}
