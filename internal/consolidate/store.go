package consolidate

import (
	"context"
	"strings"

	"github.com/meteoharvest/meteoharvest/internal/schema"
)

// Store is a table store where every column is text.
type Store interface {
	// Recreate drops table and creates it again with columns.
	Recreate(ctx context.Context, table string, columns []string) error

	// LoadDistinct stages rows in a temporary table and copies the distinct
	// ones into table. It returns the number of rows inserted.
	LoadDistinct(ctx context.Context, table string, columns []string, rows [][]string) (int64, error)

	// Columns lists the columns of table in definition order.
	Columns(ctx context.Context, table string) ([]string, error)

	// ReplaceAll replaces old with repl in every value of columns.
	ReplaceAll(ctx context.Context, table string, columns []string, old, repl string) (int64, error)

	// Dump reads the whole table.
	Dump(ctx context.Context, table string) (*schema.Table, error)

	Close() error
}

// stagingTable is the temporary table rows are staged in before dedup.
const stagingTable = "tempt0"

// quoteIdent quotes an SQL identifier. Both SQLite and PostgreSQL accept
// double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quoteIdent(n)
	}
	return strings.Join(q, ", ")
}

func textColumns(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quoteIdent(n) + " TEXT"
	}
	return strings.Join(q, ", ")
}
