package migrate

import (
	"context"
	"database/sql"
	"sort"

	"github.com/example/migrunner/internal/checksum"
)

// Body is the forward or reverse content of a migration: either literal
// SQL text or a Go procedure run inside the migration's transaction.
type Body interface {
	isBody()
}

// Script is raw SQL executed directly against the transaction.
type Script string

func (Script) isBody() {}

// Procedure is an arbitrary callback executed inside the transaction.
type Procedure func(ctx context.Context, tx *sql.Tx) error

func (Procedure) isBody() {}

// procedurePlaceholder stands in for a procedure body when hashing, since
// Go code has no stable textual representation at runtime.
const procedurePlaceholder = "<procedure>"

func bodyContent(b Body) string {
	switch v := b.(type) {
	case Script:
		return string(v)
	case Procedure:
		return procedurePlaceholder
	default:
		return ""
	}
}

// Migration is a single versioned schema change. Versions are opaque
// strings compared lexicographically, so callers should use a fixed-width
// scheme such as yyyyMMddHHmmss timestamps.
type Migration struct {
	Version string
	Name    string
	Up      Body
	Down    Body
}

// Checksum hashes the migration definition so drift from the version that
// was actually applied can be detected later.
func (m Migration) Checksum() string {
	payload := m.Version + ":" + m.Name + ":" + bodyContent(m.Up) + ":" + bodyContent(m.Down)
	return checksum.SHA256([]byte(payload))
}

func sortMigrations(ms []Migration) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
}
