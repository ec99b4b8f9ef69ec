package consolidate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/meteoharvest/meteoharvest/internal/schema"
)

// SQLiteStore keeps one file type in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Temporary tables live on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Recreate drops table and creates it again with columns.
func (s *SQLiteStore) Recreate(ctx context.Context, table string, columns []string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), textColumns(columns))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// LoadDistinct stages rows and inserts the distinct ones into table.
func (s *SQLiteStore) LoadDistinct(ctx context.Context, table string, columns []string, rows [][]string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cols := quoteIdents(columns)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+stagingTable); err != nil {
		return 0, fmt.Errorf("drop staging table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s)", stagingTable, textColumns(columns))); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	ins, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", stagingTable, cols, placeholders))
	if err != nil {
		return 0, fmt.Errorf("prepare staging insert: %w", err)
	}
	defer ins.Close()

	args := make([]any, len(columns))
	for _, row := range rows {
		for i := range args {
			args[i] = row[i]
		}
		if _, err := ins.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("staging insert: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT DISTINCT %s FROM %s",
		quoteIdent(table), cols, cols, stagingTable))
	if err != nil {
		return 0, fmt.Errorf("insert distinct into %s: %w", table, err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, "DROP TABLE temp."+stagingTable); err != nil {
		return 0, fmt.Errorf("drop staging table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Columns lists the columns of table.
func (s *SQLiteStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, table)
	}
	return cols, nil
}

// ReplaceAll rewrites old to repl in columns.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, table string, columns []string, old, repl string) (int64, error) {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = replace(%s, ?1, ?2)", quoteIdent(c), quoteIdent(c))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", quoteIdent(table), strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, stmt, old, repl)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Dump reads the whole table.
func (s *SQLiteStore) Dump(ctx context.Context, table string) (*schema.Table, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()
	return scanTable(rows)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanTable(rows *sql.Rows) (*schema.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := &schema.Table{Header: cols}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}
