package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/migrunner/internal/config"
	"github.com/example/migrunner/internal/db"
	"github.com/example/migrunner/internal/lock"
	"github.com/example/migrunner/internal/logger"
	"github.com/example/migrunner/internal/migrate"
)

const (
	exitOK        = 0
	exitDrift     = 2
	exitLocked    = 3
	exitFail      = 4
	exitPlanError = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		usage()
		return exitOK
	}
	cmd := os.Args[1]
	global := flag.NewFlagSet("global", flag.ContinueOnError)
	driver := global.String("driver", "", "Database driver: mysql or sqlite (or DB_DRIVER)")
	dsn := global.String("dsn", "", "Database DSN (or DB_DSN)")
	dir := global.String("dir", "./migrations", "Migrations directory (or MIGRATIONS_DIR)")
	jsonOut := global.Bool("json", false, "JSON logs and output")
	dryRun := global.Bool("dry-run", false, "Preview only; no table writes")
	conf := global.String("config", "", "Optional YAML config path")
	lockTimeout := global.Int("lock-timeout", 30, "Advisory lock timeout seconds (or LOCK_TIMEOUT_SEC)")
	table := global.String("table", "", "Ledger table name")
	historyTable := global.String("history-table", "", "History table name")
	executedBy := global.String("executed-by", "", "Override executed_by on history entries")
	logLevel := global.String("log-level", "", "Log level: debug, info, warn, error")
	target := global.String("target", "", "Target version: upper bound for up, cutoff for down")
	limit := global.Int("limit", migrate.DefaultHistoryLimit, "Max history entries to show")

	switch cmd {
	case "up", "down", "status", "history", "verify":
		// no positional args
	case "create":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "create requires a <name>")
			return exitPlanError
		}
	default:
		usage()
		return exitOK
	}

	argStart := 2
	if cmd == "create" {
		argStart = 3
	}
	if err := global.Parse(os.Args[argStart:]); err != nil {
		return exitPlanError
	}

	cfg, _ := config.LoadYAML(*conf)
	cfg = config.MergeEnv(cfg)
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	cfg.JSON = *jsonOut
	cfg.DryRun = *dryRun
	cfg.LockTimeoutSec = *lockTimeout
	if *table != "" {
		cfg.LedgerTable = *table
	}
	if *historyTable != "" {
		cfg.HistoryTable = *historyTable
	}
	if *executedBy != "" {
		cfg.ExecutedBy = *executedBy
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.New(cfg.JSON, logger.ParseLevel(cfg.LogLevel))

	if cmd == "create" {
		name := os.Args[2]
		if err := createPair(cfg.Dir, name, log); err != nil {
			log.Error("create failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		return exitOK
	}

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn or DB_DSN is required")
		return exitPlanError
	}
	database, err := db.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		log.Error("db open failed", map[string]any{"driver": cfg.Driver, "error": err.Error()})
		return exitFail
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialect, err := migrate.DialectFor(cfg.Driver)
	if err != nil {
		log.Error("bad driver", map[string]any{"error": err.Error()})
		return exitPlanError
	}
	store := migrate.NewSQLStore(database, dialect, cfg.LedgerTable, cfg.HistoryTable)
	runner := migrate.NewRunner(database, store)
	runner.Log = log
	runner.ExecutedBy = cfg.ExecutedBy
	if err := runner.Ensure(ctx); err != nil {
		log.Error("ensure tables failed", map[string]any{"error": err.Error()})
		return exitFail
	}

	// The runner does not arbitrate concurrent processes; hold the advisory
	// lock for the whole invocation.
	l := lock.For(cfg.Driver, lock.KeyFor(extractDBName(cfg.DSN), cfg.LedgerTable))
	if err := l.Acquire(ctx, database, cfg.LockTimeout()); err != nil {
		log.Error("failed to acquire lock", map[string]any{"error": err.Error()})
		return exitLocked
	}
	defer func() { _ = l.Release(ctx) }()

	migrations, err := migrate.FromDir(cfg.Dir)
	if err != nil {
		log.Error("scan failed", map[string]any{"dir": cfg.Dir, "error": err.Error()})
		return exitPlanError
	}
	runner.Register(migrations)

	opts := migrate.RunOptions{TargetVersion: *target, DryRun: cfg.DryRun}

	switch cmd {
	case "status":
		report, err := runner.Status(ctx)
		if err != nil {
			log.Error("status failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		printStatus(report, log)
		return exitOK
	case "up":
		results, err := runner.RunPending(ctx, opts)
		if err != nil {
			log.Error("up failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		ok := reportResults(results, log)
		log.Info("up complete", map[string]any{"attempted": len(results), "dry_run": cfg.DryRun})
		if !ok {
			return exitFail
		}
		return exitOK
	case "down":
		results, err := runner.Rollback(ctx, *target, opts)
		if err != nil {
			log.Error("down failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		ok := reportResults(results, log)
		log.Info("down complete", map[string]any{"attempted": len(results), "dry_run": cfg.DryRun})
		if !ok {
			return exitFail
		}
		return exitOK
	case "verify":
		mismatches, err := runner.VerifyChecksums(ctx)
		if err != nil {
			log.Error("verify failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		if len(mismatches) == 0 {
			log.Info("checksums verified", map[string]any{"mismatches": 0})
			return exitOK
		}
		for _, mm := range mismatches {
			log.Error("checksum drift", map[string]any{
				"version":  mm.Version,
				"expected": mm.Expected,
				"actual":   mm.Actual,
			})
		}
		return exitDrift
	case "history":
		entries, err := runner.History(ctx, *limit)
		if err != nil {
			log.Error("history failed", map[string]any{"error": err.Error()})
			return exitFail
		}
		printHistory(entries, log)
		return exitOK
	}
	usage()
	return exitOK
}

func usage() {
	fmt.Println(`migrunner - versioned schema migration runner

USAGE:
  migrunner <command> [args] [--flags]

COMMANDS:
  up                 Apply pending migrations in version order
  down               Roll back the latest migration (or everything above --target)
  status             Show applied/pending state and current version
  verify             Compare stored checksums against current definitions
  history            Show recent execution attempts
  create <name>      Scaffold yyyyMMddHHmmss_name.{up,down}.sql

GLOBAL FLAGS:
  --driver <name>           mysql or sqlite (or DB_DRIVER)
  --dsn <dsn>               Database DSN (or DB_DSN)
  --dir <path>              Migrations directory (default ./migrations)
  --target <version>        Upper bound for up, cutoff for down
  --json                    JSON logs
  --dry-run                 Preview only; no table writes
  --table <name>            Ledger table (default schema_migrations)
  --history-table <name>    History table (default schema_migration_history)
  --limit <n>               History entries to show (default 50)
  --lock-timeout <sec>      Advisory lock timeout (default 30)
  --executed-by <name>      Override executed_by on history entries
  --log-level <level>       debug, info, warn, error
  --config <path>           Optional YAML config path

EXAMPLES:
  migrunner up --dsn "$DSN" --dir ./migrations
  migrunner down --target 20240101000000 --dsn "$DSN"
  migrunner status --driver sqlite --dsn app.db --json
  migrunner verify --dsn "$DSN" --dir ./migrations
  migrunner create add_user_table --dir ./migrations`)
}

// reportResults logs each result and reports whether all succeeded.
func reportResults(results []migrate.Result, log *logger.Logger) bool {
	ok := true
	for _, res := range results {
		fields := map[string]any{
			"version":     res.Version,
			"name":        res.Name,
			"duration_ms": res.ExecutionTimeMS,
		}
		if res.Success {
			log.Info("result.ok", fields)
			continue
		}
		ok = false
		if res.Err != nil {
			fields["error"] = res.Err.Error()
		}
		log.Error("result.failed", fields)
	}
	return ok
}

func printStatus(report *migrate.StatusReport, log *logger.Logger) {
	if log.JSONEnabled() {
		type appliedItem struct {
			Version   string `json:"version"`
			Name      string `json:"name"`
			AppliedAt string `json:"applied_at"`
		}
		type pendingItem struct {
			Version string `json:"version"`
			Name    string `json:"name"`
		}
		out := struct {
			CurrentVersion string        `json:"current_version"`
			AppliedCount   int           `json:"applied_count"`
			PendingCount   int           `json:"pending_count"`
			Applied        []appliedItem `json:"applied"`
			Pending        []pendingItem `json:"pending"`
		}{
			CurrentVersion: report.CurrentVersion,
			AppliedCount:   report.AppliedCount,
			PendingCount:   report.PendingCount,
			Applied:        []appliedItem{},
			Pending:        []pendingItem{},
		}
		for _, a := range report.Applied {
			out.Applied = append(out.Applied, appliedItem{a.Version, a.Name, a.AppliedAt.UTC().Format(time.RFC3339)})
		}
		for _, p := range report.Pending {
			out.Pending = append(out.Pending, pendingItem{p.Version, p.Name})
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(out)
		return
	}
	for _, a := range report.Applied {
		fmt.Printf("%s %-30s applied  %s\n", a.Version, a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, p := range report.Pending {
		fmt.Printf("%s %-30s pending\n", p.Version, p.Name)
	}
	fmt.Printf("current=%s applied=%d pending=%d\n", report.CurrentVersion, report.AppliedCount, report.PendingCount)
}

func printHistory(entries []migrate.HistoryEntry, log *logger.Logger) {
	if log.JSONEnabled() {
		type item struct {
			ID              int64  `json:"id"`
			Version         string `json:"version"`
			Name            string `json:"name"`
			Action          string `json:"action"`
			Status          string `json:"status"`
			ExecutionTimeMS int64  `json:"execution_time_ms"`
			ErrorMessage    string `json:"error_message,omitempty"`
			ExecutedAt      string `json:"executed_at"`
			ExecutedBy      string `json:"executed_by"`
		}
		out := make([]item, 0, len(entries))
		for _, e := range entries {
			out = append(out, item{
				ID:              e.ID,
				Version:         e.Version,
				Name:            e.Name,
				Action:          string(e.Action),
				Status:          e.Status,
				ExecutionTimeMS: e.ExecutionTimeMS,
				ErrorMessage:    e.ErrorMessage,
				ExecutedAt:      e.ExecutedAt.UTC().Format(time.RFC3339),
				ExecutedBy:      e.ExecutedBy,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(out)
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %-4s %-7s %dms by %s at %s",
			e.Version, e.Name, e.Action, e.Status, e.ExecutionTimeMS, e.ExecutedBy,
			e.ExecutedAt.UTC().Format(time.RFC3339))
		if e.ErrorMessage != "" {
			line += " error=" + e.ErrorMessage
		}
		fmt.Println(line)
	}
}

func createPair(dir, name string, log *logger.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ts := time.Now().UTC().Format("20060102150405")
	base := fmt.Sprintf("%s_%s", ts, sanitize(name))
	up := filepath.Join(dir, base+".up.sql")
	down := filepath.Join(dir, base+".down.sql")
	if err := os.WriteFile(up, []byte("-- write your UP migration here\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(down, []byte("-- write your DOWN migration here\n"), 0o644); err != nil {
		return err
	}
	log.Info("created migration pair", map[string]any{"up": up, "down": down})
	return nil
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// extractDBName pulls the database name out of a DSN for the lock key.
// user:pass@tcp(127.0.0.1:3306)/dbname?params -> dbname
func extractDBName(dsn string) string {
	i := strings.LastIndex(dsn, "/")
	if i == -1 || i == len(dsn)-1 {
		return "db"
	}
	rest := dsn[i+1:]
	if j := strings.Index(rest, "?"); j != -1 {
		return rest[:j]
	}
	return rest
}
