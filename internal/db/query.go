package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Placeholder renders the i-th (1-based) bind parameter for a driver.
type Placeholder func(i int) string

// Dollar renders Postgres-style placeholders ($1, $2, ...).
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// Question renders SQLite-style placeholders.
func Question(int) string { return "?" }

// SelectIDWhere builds a lookup of the id of the row whose columns all equal
// the bound values, in column order:
//
//	SELECT "id" FROM "t" WHERE "a" = $1 AND "b" = $2 LIMIT 1
func SelectIDWhere(table string, columns []string, ph Placeholder) string {
	conds := make([]string, len(columns))
	for i, c := range columns {
		conds[i] = fmt.Sprintf("%s = %s", pgx.Identifier{c}.Sanitize(), ph(i+1))
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		pgx.Identifier{"id"}.Sanitize(),
		SanitizeTable(table),
		strings.Join(conds, " AND "),
	)
}

// InsertReturningID builds an insert of one row that returns its new id:
//
//	INSERT INTO "t" ("a", "b") VALUES ($1, $2) RETURNING "id"
func InsertReturningID(table string, columns []string, ph Placeholder) string {
	params := make([]string, len(columns))
	for i := range columns {
		params[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		SanitizeTable(table),
		QuoteAndJoin(columns),
		strings.Join(params, ", "),
		pgx.Identifier{"id"}.Sanitize(),
	)
}

// SanitizeTable handles schema-qualified table names like "analytics.dim_stock".
func SanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
