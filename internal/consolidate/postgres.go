package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meteoharvest/meteoharvest/internal/schema"
)

// PostgresStore keeps all file types in one PostgreSQL database. Table names
// are prefixed with the file type database name so types never collide.
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string
	owned  bool
}

// NewPostgresStore wraps pool. Tables are named prefix_table.
func NewPostgresStore(pool *pgxpool.Pool, prefix string) *PostgresStore {
	return &PostgresStore{pool: pool, prefix: prefix}
}

// NewOwnedPostgresStore is NewPostgresStore whose Close also closes pool.
func NewOwnedPostgresStore(pool *pgxpool.Pool, prefix string) *PostgresStore {
	return &PostgresStore{pool: pool, prefix: prefix, owned: true}
}

// TableName returns the physical name of a logical table.
func (s *PostgresStore) TableName(table string) string {
	if s.prefix == "" {
		return table
	}
	return s.prefix + "_" + table
}

// Recreate drops table and creates it again with columns.
func (s *PostgresStore) Recreate(ctx context.Context, table string, columns []string) error {
	name := quoteIdent(s.TableName(table))
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, textColumns(columns))); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// LoadDistinct copies rows into a temporary table and inserts the distinct
// ones into table.
func (s *PostgresStore) LoadDistinct(ctx context.Context, table string, columns []string, rows [][]string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", stagingTable, textColumns(columns))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	src := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(columns))
		for j := range vals {
			vals[j] = row[j]
		}
		src[i] = vals
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable}, columns, pgx.CopyFromRows(src)); err != nil {
		return 0, fmt.Errorf("copy into staging table: %w", err)
	}

	cols := quoteIdents(columns)
	tag, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT DISTINCT %s FROM %s",
		quoteIdent(s.TableName(table)), cols, cols, stagingTable))
	if err != nil {
		return 0, fmt.Errorf("insert distinct into %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Columns lists the columns of table.
func (s *PostgresStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, s.TableName(table))
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, table)
	}
	return cols, nil
}

// ReplaceAll rewrites old to repl in columns.
func (s *PostgresStore) ReplaceAll(ctx context.Context, table string, columns []string, old, repl string) (int64, error) {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = replace(%s, $1, $2)", quoteIdent(c), quoteIdent(c))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", quoteIdent(s.TableName(table)), strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, stmt, old, repl)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// Dump reads the whole table.
func (s *PostgresStore) Dump(ctx context.Context, table string) (*schema.Table, error) {
	rows, err := s.pool.Query(ctx, "SELECT * FROM "+quoteIdent(s.TableName(table)))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	t := &schema.Table{Header: make([]string, len(fields))}
	for i, f := range fields {
		t.Header[i] = f.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]string, len(vals))
		for i, v := range vals {
			if v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
