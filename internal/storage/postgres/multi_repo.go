package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dwetl/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - create-if-missing DDL for the star schema
  - key snapshots for FK filtering
  - sessions pinned to one pooled connection, with TEMP staging tables loaded
    through COPY and merged with INSERT ... ON CONFLICT DO UPDATE
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates schemas and tables that do not exist yet.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectKeys returns the distinct values of keyColumn in table.
//
// Values are normalized with storage.NormalizeKey: INT comes back as int32 and
// DATE as time.Time, both of which normalize to the validator's key form.
func (r *Repo) SelectKeys(ctx context.Context, table, keyColumn string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s`, pgIdent(keyColumn), table)
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 || vals[0] == nil {
			continue
		}
		out[storage.NormalizeKey(vals[0])] = struct{}{}
	}
	return out, rows.Err()
}

// OpenSession acquires a dedicated pooled connection. TEMP tables live as long
// as the connection, so all staging work must go through the session.
func (r *Repo) OpenSession(ctx context.Context) (storage.Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// querier is satisfied by both *pgxpool.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type session struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (s *session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("postgres: transaction already open")
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return errors.New("postgres: no open transaction")
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	return err
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	return err
}

func (s *session) CreateStaging(ctx context.Context, spec storage.StagingSpec) error {
	if err := s.DropStaging(ctx, spec.Name); err != nil {
		return err
	}
	ddl, err := buildCreateStagingSQL(spec)
	if err != nil {
		return err
	}
	_, err = s.q().Exec(ctx, ddl)
	return err
}

// CopyStaging loads rows with the COPY protocol.
func (s *session) CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := s.q().CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	return n, nil
}

func (s *session) Merge(ctx context.Context, m storage.MergeSpec) (int64, error) {
	q, err := buildMergeSQL(m)
	if err != nil {
		return 0, err
	}
	cmd, err := s.q().Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// DropStaging drops the staging table from this session's temp schema only,
// never a permanent table with the same name.
func (s *session) DropStaging(ctx context.Context, table string) error {
	_, err := s.q().Exec(ctx, "DROP TABLE IF EXISTS pg_temp."+pgIdent(table))
	return err
}

// Close rolls back any open transaction and returns the connection to the pool.
func (s *session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
	s.conn.Release()
	return nil
}

// pgIdent quotes an identifier.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

// buildMergeSQL renders the staging -> permanent upsert.
//
// Postgres refuses to update the same target row twice in one statement, so
// duplicates are collapsed first: DISTINCT ON keeps, per business key, the
// staged row with the greatest _seq. The result equals applying every staged
// row in order.
func buildMergeSQL(m storage.MergeSpec) (string, error) {
	if m.Target == "" || m.Staging == "" || len(m.Columns) == 0 || len(m.Key) == 0 {
		return "", fmt.Errorf("merge spec needs target, staging, columns and key")
	}
	cols := joinIdents(m.Columns)
	keys := joinIdents(m.Key)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM pg_temp.%s ORDER BY %s, %s DESC",
		m.Target, cols, keys, cols, pgIdent(m.Staging), keys, pgIdent(storage.SeqColumn))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", keys)

	upd := m.UpdateColumns()
	if len(upd) == 0 {
		b.WriteString("NOTHING")
		return b.String(), nil
	}
	b.WriteString("UPDATE SET ")
	for i, c := range upd {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
	}
	return b.String(), nil
}

func buildCreateStagingSQL(s storage.StagingSpec) (string, error) {
	if strings.TrimSpace(s.Name) == "" || len(s.Columns) == 0 {
		return "", fmt.Errorf("staging spec needs a name and columns")
	}
	parts := []string{pgIdent(storage.SeqColumn) + " BIGINT NOT NULL"}
	for _, c := range s.Columns {
		parts = append(parts, fmt.Sprintf("%s %s", pgIdent(c.Name), c.Type))
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s)", pgIdent(s.Name), strings.Join(parts, ", ")), nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL (conservative default).
//   - nullable == true => NULL (no NOT NULL clause).
//   - nullable == false=> NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "dw.ventes" => ("dw", "ventes")
//   - "ventes"    => ("", "ventes")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL builds DDL for the schema (when the name is qualified) and
// the table itself, with its composite primary key and CHECK constraints.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", t.Name)
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Checks)+1)
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinIdents(t.PrimaryKey)))
	}
	for _, ch := range t.Checks {
		if ch.Column == "" || len(ch.In) == 0 {
			return "", "", fmt.Errorf("table %s: check requires a column and values", t.Name)
		}
		vals := make([]string, len(ch.In))
		for i, v := range ch.In {
			vals[i] = pgString(v)
		}
		defs = append(defs, fmt.Sprintf("CHECK (%s IN (%s))", pgIdent(ch.Column), strings.Join(vals, ", ")))
	}

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}
