package multitable

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dwetl/internal/parser/csv"
	"dwetl/internal/schema"
	"dwetl/internal/transformer"
)

func batch(t *testing.T, lines ...string) *csv.Batch {
	t.Helper()
	b, err := csv.ParseBatch(context.Background(), strings.NewReader(strings.Join(lines, "\n")), "test.csv", csv.Options{})
	require.NoError(t, err)
	return b
}

func keySet(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func TestClassify_FiltersForeignKeys(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{keys: map[string]map[string]struct{}{
		"temps.date_id":           keySet("2024-01-15"),
		"produits.produit_id":     keySet("P1"),
		"clients.client_id":       keySet("7"),
		"localisation.magasin_id": keySet("M1"),
	}}
	b := batch(t,
		"date_id,produit_id,client_id,magasin_id,quantite,montant",
		"2024-01-15,P1,7,M1,1,2",
		"2024-01-15,P2,7,M1,1,2",
		"2024-01-15,P1,7,M1,x,2",
	)

	c, err := Classify(context.Background(), repo, b, schema.Ventes(), transformer.Options{})
	require.NoError(t, err)
	require.Len(t, c.Valid, 1)
	require.Len(t, c.Rejected, 2)
	require.Equal(t, 1, c.FKRejected)
	require.Equal(t, "x", c.Rejected[0].Row.Value(4))
	require.Equal(t, "P2", c.Rejected[1].Row.Value(1))
}

func TestClassify_SkipsKeyReadWithoutCandidates(t *testing.T) {
	t.Parallel()

	// keysErr would fail the run if the snapshot were read.
	repo := &fakeRepo{keysErr: context.DeadlineExceeded}

	dims, err := Classify(context.Background(), repo, batch(t,
		"client_id,nom,age,ville,categorie_client",
		"1,Dupont,34,Lyon,VIP",
	), schema.Clients(), transformer.Options{})
	require.NoError(t, err)
	require.Len(t, dims.Valid, 1)

	empty, err := Classify(context.Background(), repo, batch(t,
		"date_id,produit_id,client_id,magasin_id,quantite,montant",
		"bad,P1,7,M1,1,2",
	), schema.Ventes(), transformer.Options{})
	require.NoError(t, err)
	require.Empty(t, empty.Valid)
	require.Len(t, empty.Rejected, 1)
	require.Zero(t, empty.FKRejected)
}

func TestSettings_SourcePath(t *testing.T) {
	t.Parallel()

	s := Settings{RawDir: "/data/raw"}
	require.Equal(t, "/data/raw/dim_magasin.csv", s.SourcePath(schema.Magasins()))
}
