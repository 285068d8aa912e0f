package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"dwetl/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Staging uses local temporary tables (#name). They are created with a
// parameterless batch so they live for the whole session rather than inside
// one sp_executesql call. The merge is a single MERGE statement fed by
// ROW_NUMBER() so duplicated keys collapse to the latest staged row.
//
// Concurrency:
//   - MERGE runs WITH (HOLDLOCK) so concurrent loaders of the same table
//     serialize on the key range instead of racing between match and insert.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver and
// validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables, guarded by OBJECT_ID so it is
// idempotent without IF NOT EXISTS syntax.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectKeys returns the distinct values of keyColumn in table.
func (r *Repo) SelectKeys(ctx context.Context, table, keyColumn string) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s", mssqlIdent(keyColumn), mssqlTableIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		out[storage.NormalizeKey(v)] = struct{}{}
	}
	return out, rows.Err()
}

func (r *Repo) OpenSession(ctx context.Context) (storage.Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mssql: acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

type session struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (s *session) q() execer {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("mssql: transaction already open")
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return errors.New("mssql: no open transaction")
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
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
	_, err = s.q().ExecContext(ctx, ddl)
	return err
}

// CopyStaging inserts rows in multi-row chunks. SQL Server caps a statement
// at 2100 parameters and a VALUES list at 1000 rows.
func (s *session) CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: CopyStaging %s: no columns", table)
	}
	per := max(1, min(maxParams/len(columns), maxRowsPerValues))

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildBulkInsertSQL(tempIdent(table), columns, rows[start:end])
		res, err := s.q().ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: load staging %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *session) Merge(ctx context.Context, m storage.MergeSpec) (int64, error) {
	q, err := buildMergeSQL(m)
	if err != nil {
		return 0, err
	}
	res, err := s.q().ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *session) DropStaging(ctx context.Context, table string) error {
	q := fmt.Sprintf("IF OBJECT_ID(N'tempdb..#%s') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(table, "'", "''"), tempIdent(table))
	_, err := s.q().ExecContext(ctx, q)
	return err
}

func (s *session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}

const (
	maxParams        = 2000
	maxRowsPerValues = 1000
)

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.ventes" -> [dbo].[ventes]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func tempIdent(name string) string { return mssqlIdent("#" + name) }

func mssqlString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func joinIdents(cols []string, prefix string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

var varcharRe = regexp.MustCompile(`(?i)^varchar\s*\(\s*(\d+|max)\s*\)$`)

// mssqlType maps the portable column types used by the schema package onto
// SQL Server types. Unbounded NUMERIC would default to NUMERIC(18,0) and drop
// every fraction, so it gets an explicit scale.
func mssqlType(t string) string {
	t = strings.TrimSpace(t)
	switch strings.ToUpper(t) {
	case "NUMERIC", "DECIMAL":
		return "DECIMAL(18,4)"
	case "TEXT":
		return "NVARCHAR(MAX)"
	}
	if m := varcharRe.FindStringSubmatch(t); m != nil {
		return "NVARCHAR(" + strings.ToUpper(m[1]) + ")"
	}
	return t
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// It respects nullability and attaches a raw REFERENCES clause if provided.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlType(c.Type))
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

// buildCreateSQL renders the OBJECT_ID-guarded CREATE TABLE.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}
	defs := make([]string, 0, len(t.Columns)+len(t.Checks)+1)
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinIdents(t.PrimaryKey, "")))
	}
	for _, ch := range t.Checks {
		vals := make([]string, len(ch.In))
		for i, v := range ch.In {
			vals[i] = mssqlString(v)
		}
		defs = append(defs, fmt.Sprintf("CHECK (%s IN (%s))", mssqlIdent(ch.Column), strings.Join(vals, ", ")))
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildCreateStagingSQL(s storage.StagingSpec) (string, error) {
	if strings.TrimSpace(s.Name) == "" || len(s.Columns) == 0 {
		return "", fmt.Errorf("mssql: staging spec needs a name and columns")
	}
	parts := []string{mssqlIdent(storage.SeqColumn) + " BIGINT NOT NULL"}
	for _, c := range s.Columns {
		parts = append(parts, fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), mssqlType(c.Type)))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", tempIdent(s.Name), strings.Join(parts, ", ")), nil
}

// buildBulkInsertSQL constructs a multi-row INSERT with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildMergeSQL renders a MERGE whose source keeps, per business key, only the
// staged row with the greatest _seq.
func buildMergeSQL(m storage.MergeSpec) (string, error) {
	if m.Target == "" || m.Staging == "" || len(m.Columns) == 0 || len(m.Key) == 0 {
		return "", fmt.Errorf("mssql: merge spec needs target, staging, columns and key")
	}
	cols := joinIdents(m.Columns, "")

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (", mssqlTableIdent(m.Target))
	fmt.Fprintf(&b, "SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS [_rn] FROM %s) AS d WHERE d.[_rn] = 1",
		cols, cols, joinIdents(m.Key, ""), mssqlIdent(storage.SeqColumn), tempIdent(m.Staging))
	b.WriteString(") AS src ON ")
	for i, k := range m.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", mssqlIdent(k), mssqlIdent(k))
	}

	if upd := m.UpdateColumns(); len(upd) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "tgt.%s = src.%s", mssqlIdent(c), mssqlIdent(c))
		}
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", cols, joinIdents(m.Columns, "src."))
	return b.String(), nil
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Conn(ctx context.Context) (*sql.Conn, error)
	Close() error
}

// execer is satisfied by both *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

// ExecContext executes a non-query statement.
func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query statement and returns rows.
func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// Conn pins a single connection for a session.
func (s *sqlDB) Conn(ctx context.Context) (*sql.Conn, error) { return s.db.Conn(ctx) }

// Close closes the underlying database handle.
func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ execer = (*sql.Conn)(nil)
	_ execer = (*sql.Tx)(nil)
)
