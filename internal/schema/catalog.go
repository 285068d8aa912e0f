package schema

import "strings"

func bound(v float64) *float64 { return &v }

// Clients describes the customer dimension (dim_clients.csv -> clients).
func Clients() Descriptor {
	return Descriptor{
		Name:  "clients",
		File:  "dim_clients.csv",
		Table: "clients",
		Role:  RoleDimension,
		Columns: []Column{
			{Name: "client_id", Kind: KindInteger, SQLType: "INT", Required: true},
			{Name: "nom", Kind: KindText, SQLType: "VARCHAR(255)", Required: true},
			{Name: "age", Kind: KindInteger, SQLType: "INT", Required: true, Min: bound(0), Max: bound(130)},
			{Name: "ville", Kind: KindText, SQLType: "VARCHAR(100)"},
			{
				Name: "categorie_client", Kind: KindCategory, SQLType: "VARCHAR(50)", Required: true,
				Categories: map[string]string{
					"VIP":         "VIP",
					"PARTICULIER": "Particulier",
					"ENTREPRISE":  "Entreprise",
				},
			},
		},
		Key:           []string{"client_id"},
		CategoryOrder: []string{"VIP", "PARTICULIER", "ENTREPRISE"},
	}
}

// Magasins describes the store dimension. Its table keeps the historical name
// "localisation".
func Magasins() Descriptor {
	return Descriptor{
		Name:  "magasins",
		File:  "dim_magasin.csv",
		Table: "localisation",
		Role:  RoleDimension,
		Columns: []Column{
			{Name: "magasin_id", Kind: KindText, SQLType: "VARCHAR(50)", Required: true},
			{Name: "ville", Kind: KindText, SQLType: "VARCHAR(100)", Required: true},
			{Name: "region", Kind: KindText, SQLType: "VARCHAR(100)", Required: true},
			{Name: "surface_m2", Kind: KindNumeric, SQLType: "NUMERIC", Required: true, Min: bound(0)},
		},
		Key: []string{"magasin_id"},
	}
}

// Produits describes the product dimension.
func Produits() Descriptor {
	return Descriptor{
		Name:  "produits",
		File:  "dim_produits.csv",
		Table: "produits",
		Role:  RoleDimension,
		Columns: []Column{
			{Name: "produit_id", Kind: KindText, SQLType: "VARCHAR(50)", Required: true},
			{Name: "designation", Kind: KindText, SQLType: "VARCHAR(255)", Required: true},
			{Name: "categorie", Kind: KindText, SQLType: "VARCHAR(100)", Required: true},
			{Name: "prix_ht", Kind: KindNumeric, SQLType: "NUMERIC", Required: true, Min: bound(0)},
			{Name: "fournisseur", Kind: KindText, SQLType: "VARCHAR(255)", Required: true},
		},
		Key: []string{"produit_id"},
	}
}

// Temps describes the calendar dimension. mois_num is derived from date_id.
func Temps() Descriptor {
	return Descriptor{
		Name:  "temps",
		File:  "dim_temps.csv",
		Table: "temps",
		Role:  RoleDimension,
		Columns: []Column{
			{Name: "date_id", Kind: KindDate, SQLType: "DATE", Required: true},
			{Name: "jour", Kind: KindInteger, SQLType: "INT", Required: true},
			{Name: "semaine", Kind: KindInteger, SQLType: "INT", Required: true},
			{Name: "mois", Kind: KindText, SQLType: "VARCHAR(20)", Required: true},
			{Name: "annee", Kind: KindInteger, SQLType: "INT", Required: true},
			{Name: "mois_num", Kind: KindInteger, SQLType: "INT", Required: true, Derive: &Derivation{From: "date_id", Part: PartMonth}},
		},
		Key: []string{"date_id"},
	}
}

// Ventes describes the sales fact table. Every dimension column is a foreign
// key and the whole tuple is the business key.
func Ventes() Descriptor {
	return Descriptor{
		Name:  "ventes",
		File:  "ventes.csv",
		Table: "ventes",
		Role:  RoleFact,
		Columns: []Column{
			{Name: "date_id", Kind: KindDate, SQLType: "DATE", Required: true},
			{Name: "produit_id", Kind: KindText, SQLType: "VARCHAR(50)", Required: true},
			{Name: "client_id", Kind: KindInteger, SQLType: "INT", Required: true},
			{Name: "magasin_id", Kind: KindText, SQLType: "VARCHAR(50)", Required: true},
			{Name: "quantite", Kind: KindInteger, SQLType: "INT", Required: true, Min: bound(0)},
			{Name: "montant", Kind: KindNumeric, SQLType: "NUMERIC", Required: true, Min: bound(0)},
		},
		Key: []string{"date_id", "produit_id", "client_id", "magasin_id"},
		ForeignKeys: []ForeignKey{
			{Column: "date_id", RefTable: "temps", RefColumn: "date_id"},
			{Column: "produit_id", RefTable: "produits", RefColumn: "produit_id"},
			{Column: "client_id", RefTable: "clients", RefColumn: "client_id"},
			{Column: "magasin_id", RefTable: "localisation", RefColumn: "magasin_id"},
		},
	}
}

// Catalog returns every entity in load order: dimensions first, then the fact
// table, so that a full run sees fresh dimension keys when filtering sales.
func Catalog() []Descriptor {
	return []Descriptor{Clients(), Magasins(), Produits(), Temps(), Ventes()}
}

var aliases = map[string]string{
	"client":       "clients",
	"magasin":      "magasins",
	"stores":       "magasins",
	"localisation": "magasins",
	"produit":      "produits",
	"products":     "produits",
	"calendar":     "temps",
	"vente":        "ventes",
	"sales":        "ventes",
}

// Lookup finds an entity by name, table name or one of its aliases.
func Lookup(name string) (Descriptor, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[n]; ok {
		n = a
	}
	for _, d := range Catalog() {
		if d.Name == n {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Names returns the entity names in load order.
func Names() []string {
	cat := Catalog()
	out := make([]string, len(cat))
	for i, d := range cat {
		out[i] = d.Name
	}
	return out
}
