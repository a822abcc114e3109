package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/migrunner/internal/logger"
)

// ErrNotFound marks a requested version with no registered migration. It is
// carried inside a failed Result, never returned bare from run operations.
var ErrNotFound = errors.New("migration not found")

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 50

// RunOptions tune a single run. TargetVersion bounds how far RunPending
// advances (inclusive) or how far Rollback unwinds (exclusive). DryRun
// previews without touching the database.
type RunOptions struct {
	TargetVersion string
	DryRun        bool
}

// Runner sequences registered migrations against one database. It assumes a
// single logical executor per ledger; concurrent runners from separate
// processes must be serialized by the caller, e.g. with an advisory lock.
type Runner struct {
	DB         *sql.DB
	Store      Store
	Log        *logger.Logger
	ExecutedBy string

	registry []Migration
}

func NewRunner(db *sql.DB, store Store) *Runner {
	return &Runner{DB: db, Store: store, Log: logger.Nop(), ExecutedBy: "system"}
}

// Ensure creates the ledger and history tables if they do not exist.
func (r *Runner) Ensure(ctx context.Context) error {
	if r.ExecutedBy == "" {
		r.ExecutedBy = "system"
	}
	return r.Store.EnsureSchema(ctx)
}

// Register replaces the registry wholesale, sorted ascending by version.
// Duplicate versions are kept as given; executing both upserts the same
// ledger row.
func (r *Runner) Register(ms []Migration) {
	reg := make([]Migration, len(ms))
	copy(reg, ms)
	sortMigrations(reg)
	r.registry = reg
	r.Log.Debug("registry replaced", map[string]any{"count": len(reg)})
}

// Registered returns a copy of the current registry in version order.
func (r *Runner) Registered() []Migration {
	out := make([]Migration, len(r.registry))
	copy(out, r.registry)
	return out
}

func (r *Runner) findMigration(version string) (Migration, bool) {
	for _, m := range r.registry {
		if m.Version == version {
			return m, true
		}
	}
	return Migration{}, false
}

// Status derives the pending and applied sets from the registry and the
// ledger. CurrentVersion is the highest applied version, empty when none.
func (r *Runner) Status(ctx context.Context) (*StatusReport, error) {
	applied, err := r.Store.AppliedRecords(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		Pending: []PendingMigration{},
		Applied: []AppliedMigration{},
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
		report.Applied = append(report.Applied, AppliedMigration{
			Version:   rec.Version,
			Name:      rec.Name,
			AppliedAt: rec.AppliedAt,
		})
	}
	for _, m := range r.registry {
		if !appliedSet[m.Version] {
			report.Pending = append(report.Pending, PendingMigration{Version: m.Version, Name: m.Name})
		}
	}
	if len(report.Applied) > 0 {
		report.CurrentVersion = report.Applied[len(report.Applied)-1].Version
	}
	report.PendingCount = len(report.Pending)
	report.AppliedCount = len(report.Applied)
	return report, nil
}

// VerifyChecksums recomputes the checksum of every applied migration from
// its registered definition and reports mismatches. Applied rows with no
// registered definition are skipped with a warning: drift cannot be
// detected once the definition is gone.
func (r *Runner) VerifyChecksums(ctx context.Context) ([]Mismatch, error) {
	applied, err := r.Store.AppliedRecords(ctx)
	if err != nil {
		return nil, err
	}
	mismatches := []Mismatch{}
	for _, rec := range applied {
		m, ok := r.findMigration(rec.Version)
		if !ok {
			r.Log.Warn("applied migration missing from registry, cannot verify", map[string]any{
				"version": rec.Version,
				"name":    rec.Name,
			})
			continue
		}
		actual := m.Checksum()
		if actual != rec.Checksum {
			mismatches = append(mismatches, Mismatch{
				Version:  rec.Version,
				Expected: rec.Checksum,
				Actual:   actual,
			})
		}
	}
	return mismatches, nil
}

// pendingMigrations is the registry minus versions with an applied ledger
// row, in registry order.
func (r *Runner) pendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := r.Store.AppliedRecords(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}
	var out []Migration
	for _, m := range r.registry {
		if !appliedSet[m.Version] {
			out = append(out, m)
		}
	}
	return out, nil
}

// RunPending applies every pending migration in ascending version order,
// optionally bounded to versions <= opts.TargetVersion. The run halts at
// the first failure; later migrations are not attempted.
func (r *Runner) RunPending(ctx context.Context, opts RunOptions) ([]Result, error) {
	pending, err := r.pendingMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if opts.TargetVersion != "" {
		bounded := pending[:0:0]
		for _, m := range pending {
			if m.Version <= opts.TargetVersion {
				bounded = append(bounded, m)
			}
		}
		pending = bounded
	}
	results := make([]Result, 0, len(pending))
	if len(pending) == 0 {
		r.Log.Info("no pending migrations", nil)
		return results, nil
	}
	for _, m := range pending {
		res := r.runMigration(ctx, m, DirectionUp, opts)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// RunUp executes a single migration by exact version. An unknown version
// yields a failed Result wrapping ErrNotFound, with no table writes.
func (r *Runner) RunUp(ctx context.Context, version string, opts RunOptions) Result {
	m, ok := r.findMigration(version)
	if !ok {
		r.Log.Warn("migration not found", map[string]any{"version": version})
		return Result{Version: version, Err: fmt.Errorf("%w: %s", ErrNotFound, version)}
	}
	return r.runMigration(ctx, m, DirectionUp, opts)
}

// Rollback reverses applied migrations, most recent first. With a target
// version it unwinds everything strictly above it; without one it unwinds
// only the most recently applied migration. Applied rows whose definition
// is no longer registered are skipped with a warning. Halts at the first
// failure.
func (r *Runner) Rollback(ctx context.Context, targetVersion string, opts RunOptions) ([]Result, error) {
	applied, err := r.Store.AppliedRecords(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0)
	if len(applied) == 0 {
		r.Log.Info("nothing to roll back", nil)
		return results, nil
	}
	var toRollback []Record
	if targetVersion != "" {
		for _, rec := range applied {
			if rec.Version > targetVersion {
				toRollback = append(toRollback, rec)
			}
		}
	} else {
		toRollback = applied[len(applied)-1:]
	}
	for i := len(toRollback) - 1; i >= 0; i-- {
		rec := toRollback[i]
		m, ok := r.findMigration(rec.Version)
		if !ok {
			r.Log.Warn("no registered migration for applied version, skipping", map[string]any{
				"version": rec.Version,
				"name":    rec.Name,
			})
			continue
		}
		res := r.runMigration(ctx, m, DirectionDown, opts)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// History returns the most recent execution attempts, newest first.
func (r *Runner) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return r.Store.History(ctx, limit)
}

// runMigration executes one direction of one migration inside its own
// transaction, then records the outcome. Ledger and history writes happen
// only after the body's transaction has committed or aborted, so a crash
// in between leaves a detectable gap rather than a lying ledger.
func (r *Runner) runMigration(ctx context.Context, m Migration, dir Direction, opts RunOptions) Result {
	res := Result{Version: m.Version, Name: m.Name}
	if opts.DryRun {
		r.Log.Info("dry-run, skipping execution", map[string]any{
			"version": m.Version,
			"name":    m.Name,
			"action":  string(dir),
		})
		res.Success = true
		return res
	}

	body := m.Up
	if dir == DirectionDown {
		body = m.Down
	}
	start := time.Now()
	execErr := r.execInTx(ctx, body)
	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	now := time.Now().UTC()

	if execErr != nil {
		res.Err = fmt.Errorf("migration %s:%s %s failed: %w", m.Version, m.Name, dir, execErr)
		r.Log.Error("migration failed", map[string]any{
			"version": m.Version,
			"name":    m.Name,
			"action":  string(dir),
			"error":   execErr.Error(),
		})
		if dir == DirectionUp {
			ledgerErr := r.Store.UpsertRecord(ctx, Record{
				Version:         m.Version,
				Name:            m.Name,
				ExecutionTimeMS: res.ExecutionTimeMS,
				Status:          StatusFailed,
				ErrorMessage:    execErr.Error(),
			})
			if ledgerErr != nil {
				r.Log.Error("ledger write failed", map[string]any{"version": m.Version, "error": ledgerErr.Error()})
			}
		}
		// A failed down leaves the ledger row applied; only the history
		// entry records the attempt.
		r.appendHistory(ctx, m, dir, HistoryFailed, res.ExecutionTimeMS, execErr.Error(), now)
		return res
	}

	var stateErr error
	if dir == DirectionUp {
		stateErr = r.Store.UpsertRecord(ctx, Record{
			Version:         m.Version,
			Name:            m.Name,
			AppliedAt:       now,
			ExecutionTimeMS: res.ExecutionTimeMS,
			Checksum:        m.Checksum(),
			Status:          StatusApplied,
		})
	} else {
		stateErr = r.Store.SetStatus(ctx, m.Version, StatusRolledBack)
	}
	if stateErr != nil {
		res.Err = fmt.Errorf("record migration %s: %w", m.Version, stateErr)
		r.Log.Error("ledger write failed", map[string]any{"version": m.Version, "error": stateErr.Error()})
		return res
	}
	r.appendHistory(ctx, m, dir, HistorySuccess, res.ExecutionTimeMS, "", now)

	res.Success = true
	msg := "migration applied"
	if dir == DirectionDown {
		msg = "migration rolled back"
	}
	r.Log.Info(msg, map[string]any{
		"version":     m.Version,
		"name":        m.Name,
		"duration_ms": res.ExecutionTimeMS,
	})
	return res
}

func (r *Runner) execInTx(ctx context.Context, body Body) error {
	if body == nil {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var execErr error
	switch b := body.(type) {
	case Script:
		_, execErr = tx.ExecContext(ctx, string(b))
	case Procedure:
		execErr = b(ctx, tx)
	default:
		execErr = fmt.Errorf("unsupported migration body %T", body)
	}
	if execErr != nil {
		_ = tx.Rollback()
		return execErr
	}
	return tx.Commit()
}

func (r *Runner) appendHistory(ctx context.Context, m Migration, dir Direction, status string, durationMS int64, errMsg string, at time.Time) {
	err := r.Store.AppendHistory(ctx, HistoryEntry{
		Version:         m.Version,
		Name:            m.Name,
		Action:          dir,
		Status:          status,
		ExecutionTimeMS: durationMS,
		ErrorMessage:    errMsg,
		ExecutedAt:      at,
		ExecutedBy:      r.ExecutedBy,
	})
	if err != nil {
		r.Log.Error("history write failed", map[string]any{"version": m.Version, "error": err.Error()})
	}
}
