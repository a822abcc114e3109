package migrate

import (
	"fmt"
	"time"
)

// Dialect supplies the engine-specific SQL for the ledger and history
// tables. Both supported engines use ? placeholders, so statements other
// than DDL and upserts are shared.
type Dialect interface {
	Name() string
	CreateLedgerSQL(table string) string
	CreateHistorySQL(table string) string
	UpsertRecordSQL(table string) string
	// TimeValue converts a timestamp into the bind value the engine
	// round-trips reliably.
	TimeValue(t time.Time) any
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQLDialect{}, nil
	case "sqlite":
		return SQLiteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

func (MySQLDialect) CreateLedgerSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR(64) NOT NULL PRIMARY KEY,
  name VARCHAR(255) NOT NULL,
  applied_at DATETIME(6) NULL,
  execution_time_ms BIGINT NOT NULL DEFAULT 0,
  checksum VARCHAR(64) NOT NULL DEFAULT '',
  status ENUM('pending','applied','failed','rolled_back') NOT NULL,
  error_message TEXT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, table)
}

func (MySQLDialect) CreateHistorySQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  version VARCHAR(64) NOT NULL,
  name VARCHAR(255) NOT NULL,
  action ENUM('up','down') NOT NULL,
  status ENUM('success','failed') NOT NULL,
  execution_time_ms BIGINT NOT NULL DEFAULT 0,
  error_message TEXT NULL,
  executed_at DATETIME(6) NOT NULL,
  executed_by VARCHAR(255) NOT NULL DEFAULT 'system'
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, table)
}

func (MySQLDialect) UpsertRecordSQL(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (version, name, applied_at, execution_time_ms, checksum, status, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name=VALUES(name), applied_at=VALUES(applied_at), execution_time_ms=VALUES(execution_time_ms), checksum=VALUES(checksum), status=VALUES(status), error_message=VALUES(error_message)
`, table)
}

// go-sql-driver serializes time.Time itself; requires parseTime on reads.
func (MySQLDialect) TimeValue(t time.Time) any { return t.UTC() }

type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) CreateLedgerSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version TEXT NOT NULL PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT,
  execution_time_ms INTEGER NOT NULL DEFAULT 0,
  checksum TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK (status IN ('pending','applied','failed','rolled_back')),
  error_message TEXT
);
`, table)
}

func (SQLiteDialect) CreateHistorySQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  version TEXT NOT NULL,
  name TEXT NOT NULL,
  action TEXT NOT NULL CHECK (action IN ('up','down')),
  status TEXT NOT NULL CHECK (status IN ('success','failed')),
  execution_time_ms INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  executed_at TEXT NOT NULL,
  executed_by TEXT NOT NULL DEFAULT 'system'
);
`, table)
}

func (SQLiteDialect) UpsertRecordSQL(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (version, name, applied_at, execution_time_ms, checksum, status, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(version) DO UPDATE SET name=excluded.name, applied_at=excluded.applied_at, execution_time_ms=excluded.execution_time_ms, checksum=excluded.checksum, status=excluded.status, error_message=excluded.error_message
`, table)
}

// Fixed-width fraction so lexicographic ordering of the TEXT column matches
// chronological ordering; RFC3339Nano trims zeros and would not.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (SQLiteDialect) TimeValue(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}
