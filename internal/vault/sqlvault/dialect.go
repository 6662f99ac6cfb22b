package sqlvault

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects driver, quoting, and conflict handling.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

const (
	mysqlNoSuchTable = 1146
	mysqlDuplicate   = 1062
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "mysql"
}

func (d Dialect) builder() sq.StatementBuilderType {
	if d == Postgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (d Dialect) quote(table string) string {
	if d == Postgres {
		return `"` + table + `"`
	}
	return "`" + table + "`"
}

func (d Dialect) createTable(table string) string {
	if d == Postgres {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id SERIAL PRIMARY KEY,
    kid VARCHAR(64) NOT NULL UNIQUE,
    key_ VARCHAR(255) NOT NULL
)`, d.quote(table))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n"+
		"    id INT AUTO_INCREMENT PRIMARY KEY,\n"+
		"    kid VARCHAR(64) NOT NULL UNIQUE,\n"+
		"    key_ VARCHAR(255) NOT NULL\n"+
		")", d.quote(table))
}

// insert builds an insert that leaves existing rows untouched.
func (d Dialect) insert(table string) sq.InsertBuilder {
	builder := d.builder().Insert(d.quote(table)).Columns("kid", "key_")
	if d == Postgres {
		return builder.Suffix("ON CONFLICT (kid) DO NOTHING")
	}
	return builder.Options("IGNORE")
}

func (d Dialect) listTables() (string, []any) {
	if d == Postgres {
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name", nil
	}
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name", nil
}

// isMissingTable reports the driver error for a table that does not exist.
func isMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UndefinedTable
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoSuchTable
	}
	return false
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicate
	}
	return false
}
