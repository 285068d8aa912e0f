package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dwetl/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native DATE type. Dates are bound as "2006-01-02" strings
//     so they compare and sort correctly and match the canonical key form.
//   - Temp tables belong to one connection, so sessions pin a *sql.Conn.
//   - The upsert is applied row by row in _seq order, which gives
//     last-write-wins for duplicated keys without any pre-aggregation.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates the permanent tables when missing. Existing tables are
// left as they are.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectKeys returns the distinct values of keyColumn, normalized.
func (r *Repo) SelectKeys(ctx context.Context, table, keyColumn string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s`, sqlIdent(keyColumn), table)
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
		return nil, fmt.Errorf("sqlite: acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

// execer is satisfied by both *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
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
		return errors.New("sqlite: transaction already open")
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
		return errors.New("sqlite: no open transaction")
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

// CopyStaging inserts rows in multi-row chunks kept under SQLite's historic
// 999 bound-parameter limit.
func (s *session) CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: CopyStaging %s: no columns", table)
	}

	per := maxParams / len(columns)
	if per < 1 {
		per = 1
	}
	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsertSQL("temp."+sqlIdent(table), columns, rows[start:end])
		res, err := s.q().ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: load staging %s: %w", table, err)
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
	_, err := s.q().ExecContext(ctx, "DROP TABLE IF EXISTS temp."+sqlIdent(table))
	return err
}

func (s *session) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.conn.Close()
}

const maxParams = 999

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS for a permanent table.
//
// Nullable semantics: nil or false => NOT NULL. REFERENCES is emitted inline
// (SQLite only enforces it with PRAGMA foreign_keys=ON).
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Checks)+1)
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}
	if len(t.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.PrimaryKey)))
	}
	for _, ch := range t.Checks {
		vals := make([]string, len(ch.In))
		for i, v := range ch.In {
			vals[i] = sqlString(v)
		}
		parts = append(parts, fmt.Sprintf("CHECK (%s IN (%s))", sqlIdent(ch.Column), strings.Join(vals, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  ")), nil
}

func buildCreateStagingSQL(s storage.StagingSpec) (string, error) {
	if strings.TrimSpace(s.Name) == "" || len(s.Columns) == 0 {
		return "", fmt.Errorf("staging spec needs a name and columns")
	}
	parts := []string{sqlIdent(storage.SeqColumn) + " INTEGER NOT NULL"}
	for _, c := range s.Columns {
		parts = append(parts, fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type))
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s)", sqlIdent(s.Name), strings.Join(parts, ", ")), nil
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		for j := range columns {
			args = append(args, bindValue(row[j]))
		}
	}
	return b.String(), args
}

// buildMergeSQL renders the staging -> permanent upsert.
//
// "WHERE true" disambiguates the upsert clause from a join constraint, and
// ORDER BY _seq makes the later duplicate the one that sticks.
func buildMergeSQL(m storage.MergeSpec) (string, error) {
	if m.Target == "" || m.Staging == "" || len(m.Columns) == 0 || len(m.Key) == 0 {
		return "", fmt.Errorf("merge spec needs target, staging, columns and key")
	}
	cols := joinIdentList(m.Columns)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM temp.%s WHERE true ORDER BY %s",
		m.Target, cols, cols, sqlIdent(m.Staging), sqlIdent(storage.SeqColumn))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", joinIdentList(m.Key))

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
		fmt.Fprintf(&b, "%s = excluded.%s", sqlIdent(c), sqlIdent(c))
	}
	return b.String(), nil
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// bindValue converts dates to their canonical text form.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(storage.DateLayout)
	}
	return v
}
