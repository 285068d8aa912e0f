package multitable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dwetl/internal/schema"
	"dwetl/internal/storage"
	"dwetl/internal/transformer"
)

func TestStageRecords_PrependsSequence(t *testing.T) {
	t.Parallel()

	d := schema.Temps()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	recs := []transformer.Record{
		{Line: 2, V: []any{day, int64(4), int64(10), "mars", int64(2024), int64(3)}},
		{Line: 3, V: []any{day, int64(4), int64(10), "mars", int64(2024), int64(3)}},
	}
	sess := &fakeSession{}

	n, err := StageRecords(context.Background(), sess, d, recs)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, []string{"create:temps_staging", "copy:temps_staging"}, sess.calls)
	require.Equal(t, storage.SeqColumn, sess.columns[0])
	require.Equal(t, d.ColumnNames(), sess.columns[1:])
	require.Equal(t, int64(1), sess.rows[0][0])
	require.Equal(t, int64(2), sess.rows[1][0])
	require.Equal(t, "mars", sess.rows[1][4])
}

func TestStageRecords_Errors(t *testing.T) {
	t.Parallel()

	d := schema.Produits()
	good := transformer.Record{Line: 2, V: []any{"P1", "Stylo", "Papeterie", 1.2, "Bic"}}

	t.Run("width mismatch", func(t *testing.T) {
		t.Parallel()
		_, err := StageRecords(context.Background(), &fakeSession{}, d, []transformer.Record{{Line: 5, V: []any{"P1"}}})
		require.ErrorContains(t, err, "line 5 has 1 values, want 5")
	})

	t.Run("copy failure", func(t *testing.T) {
		t.Parallel()
		_, err := StageRecords(context.Background(), &fakeSession{copyErr: errors.New("broken pipe")}, d, []transformer.Record{good})
		require.ErrorContains(t, err, "load staging produits_staging: broken pipe")
	})

	t.Run("short load", func(t *testing.T) {
		t.Parallel()
		_, err := StageRecords(context.Background(), &shortSession{}, d, []transformer.Record{good, good})
		require.ErrorContains(t, err, "staged 1 of 2 rows")
	})
}

type shortSession struct{ fakeSession }

func (s *shortSession) CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return 1, nil
}
