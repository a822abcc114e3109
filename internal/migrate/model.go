package migrate

import "time"

// Ledger statuses. A version moves pending -> applied -> rolled_back, with
// a failed branch out of pending.
const (
	StatusPending    = "pending"
	StatusApplied    = "applied"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// Direction of an execution attempt.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// History entry outcomes.
const (
	HistorySuccess = "success"
	HistoryFailed  = "failed"
)

// Record is a ledger row: the last-known state of one migration version.
// At most one row exists per version.
type Record struct {
	Version         string
	Name            string
	AppliedAt       time.Time
	ExecutionTimeMS int64
	Checksum        string
	Status          string
	ErrorMessage    string
}

// HistoryEntry is one row of the append-only execution audit trail. Entries
// are written on every attempt, success or failure, and never mutated.
type HistoryEntry struct {
	ID              int64
	Version         string
	Name            string
	Action          Direction
	Status          string
	ExecutionTimeMS int64
	ErrorMessage    string
	ExecutedAt      time.Time
	ExecutedBy      string
}

// Result reports the outcome of a single migration execution.
type Result struct {
	Version         string
	Name            string
	Success         bool
	ExecutionTimeMS int64
	Err             error
}

// PendingMigration identifies a registered migration with no applied
// ledger row.
type PendingMigration struct {
	Version string
	Name    string
}

// AppliedMigration identifies an applied ledger row.
type AppliedMigration struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// StatusReport summarizes the registry against the ledger.
type StatusReport struct {
	CurrentVersion string
	PendingCount   int
	AppliedCount   int
	Pending        []PendingMigration
	Applied        []AppliedMigration
}

// Mismatch is a checksum drift finding from VerifyChecksums.
type Mismatch struct {
	Version  string
	Expected string
	Actual   string
}
