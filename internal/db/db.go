package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Open dispatches on driver name. The returned handle is what the migration
// runner consumes; closing it stays with the caller.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "mysql":
		return OpenMySQL(dsn)
	case "sqlite":
		return OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// OpenMySQL opens a MySQL handle with the DSN normalized for migration use.
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", NormalizeMySQLDSN(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NormalizeMySQLDSN forces parseTime on so DATETIME columns scan as
// time.Time. Multi-statement migration files additionally need
// multiStatements=true in the caller's DSN.
func NormalizeMySQLDSN(dsn string) string {
	if strings.Contains(strings.ToLower(dsn), "parsetime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// OpenSQLite opens a SQLite handle via modernc.org/sqlite. WAL plus a busy
// timeout keeps the ledger usable alongside the application's own
// connection; a single writer avoids SQLITE_BUSY inside migrations.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", NormalizeSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NormalizeSQLiteDSN appends the journal and busy-timeout pragmas unless
// the caller already set any.
func NormalizeSQLiteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
