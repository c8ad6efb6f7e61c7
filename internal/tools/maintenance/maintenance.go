// Package maintenance provides operator commands for the projection
// store: idempotency cleanup and backfill, outbox reports and requeue,
// the attempt journal, and contract validation.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	sqlitemigrate "github.com/viewmill/viewmill/internal/platform/storage/sqlitemigrate"
	"github.com/viewmill/viewmill/internal/projection/contract"
	"github.com/viewmill/viewmill/internal/projection/storage"
	"github.com/viewmill/viewmill/internal/projection/storage/postgres"
	"github.com/viewmill/viewmill/internal/projection/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBDSN      string        `env:"VIEWMILL_DB_DSN"`
	Timeout    time.Duration `env:"VIEWMILL_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	JSONOutput bool

	Cleanup    bool
	CleanupTTL time.Duration

	MarkProcessed bool
	MessageID     string
	Domain        string
	CorrelationID string
	ProcessedAt   string

	OutboxReport bool
	OutboxStatus string
	OutboxLimit  int

	OutboxRequeueDead  bool
	OutboxRequeueLimit int

	AttemptsReport bool
	AttemptsLimit  int

	MigrationsReport bool

	ValidateContracts bool
	ContractsDir      string
}

type envConfig struct {
	DBDSN      string        `env:"VIEWMILL_DB_DSN"`
	Timeout    time.Duration `env:"VIEWMILL_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	CleanupTTL time.Duration `env:"VIEWMILL_IDEMPOTENCY_TTL" envDefault:"720h"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBDSN:         envCfg.DBDSN,
		Timeout:       envCfg.Timeout,
		CleanupTTL:    envCfg.CleanupTTL,
		OutboxLimit:   50,
		AttemptsLimit: 50,
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join("data", "viewmill.db")
	}

	fs.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "database DSN: postgres:// URL or sqlite file path (default: VIEWMILL_DB_DSN or data/viewmill.db)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.BoolVar(&cfg.Cleanup, "cleanup", false, "delete idempotency markers older than -cleanup-ttl")
	fs.DurationVar(&cfg.CleanupTTL, "cleanup-ttl", cfg.CleanupTTL, "idempotency marker retention (default: VIEWMILL_IDEMPOTENCY_TTL or 720h)")
	fs.BoolVar(&cfg.MarkProcessed, "mark-processed", false, "record a message as processed without applying it")
	fs.StringVar(&cfg.MessageID, "message-id", "", "message id for -mark-processed")
	fs.StringVar(&cfg.Domain, "domain", "", "optional dedup domain for -mark-processed")
	fs.StringVar(&cfg.CorrelationID, "correlation-id", "", "optional correlation id for -mark-processed")
	fs.StringVar(&cfg.ProcessedAt, "processed-at", "", "optional RFC3339 processed timestamp for -mark-processed (default: now)")
	fs.BoolVar(&cfg.OutboxReport, "outbox-report", false, "report projection apply outbox depth and rows")
	fs.StringVar(&cfg.OutboxStatus, "outbox-status", "", "optional outbox status filter (pending|processing|failed|dead)")
	fs.IntVar(&cfg.OutboxLimit, "outbox-limit", cfg.OutboxLimit, "max outbox rows to print")
	fs.BoolVar(&cfg.OutboxRequeueDead, "outbox-requeue-dead", false, "requeue a bounded batch of dead apply outbox rows")
	fs.IntVar(&cfg.OutboxRequeueLimit, "outbox-requeue-limit", 0, "max dead outbox rows to requeue (required with -outbox-requeue-dead)")
	fs.BoolVar(&cfg.AttemptsReport, "attempts-report", false, "print recent apply attempt records")
	fs.IntVar(&cfg.AttemptsLimit, "attempts-limit", cfg.AttemptsLimit, "max attempt records to print")
	fs.BoolVar(&cfg.MigrationsReport, "migrations-report", false, "list applied schema migrations (sqlite stores only)")
	fs.BoolVar(&cfg.ValidateContracts, "validate-contracts", false, "parse and validate contract files without touching the database")
	fs.StringVar(&cfg.ContractsDir, "contracts-dir", "", "directory of contract files for -validate-contracts")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	selected := 0
	for _, mode := range []bool{cfg.Cleanup, cfg.MarkProcessed, cfg.OutboxReport, cfg.OutboxRequeueDead, cfg.AttemptsReport, cfg.MigrationsReport, cfg.ValidateContracts} {
		if mode {
			selected++
		}
	}
	if selected == 0 {
		return errors.New("one of -cleanup, -mark-processed, -outbox-report, -outbox-requeue-dead, -attempts-report, -migrations-report, or -validate-contracts is required")
	}
	if selected > 1 {
		return errors.New("maintenance modes cannot be combined")
	}

	switch {
	case cfg.Cleanup:
		if cfg.CleanupTTL <= 0 {
			return errors.New("-cleanup-ttl must be > 0")
		}
	case cfg.MarkProcessed:
		if _, err := markProcessedRecord(cfg); err != nil {
			return err
		}
	case cfg.OutboxReport:
		if cfg.OutboxLimit <= 0 {
			return errors.New("-outbox-limit must be > 0")
		}
		if _, err := normalizeStatusFilter(cfg.OutboxStatus); err != nil {
			return err
		}
	case cfg.OutboxRequeueDead:
		if cfg.OutboxRequeueLimit <= 0 {
			return errors.New("-outbox-requeue-limit must be > 0")
		}
	case cfg.AttemptsReport:
		if cfg.AttemptsLimit <= 0 {
			return errors.New("-attempts-limit must be > 0")
		}
	case cfg.ValidateContracts:
		if strings.TrimSpace(cfg.ContractsDir) == "" {
			return errors.New("-contracts-dir is required")
		}
		return runValidateContracts(cfg.ContractsDir, cfg.JSONOutput, out)
	}

	store, err := openStore(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	return runWithStore(ctx, cfg, store, out, errOut)
}

// runWithStore dispatches the selected mode. It owns the store lifecycle.
func runWithStore(ctx context.Context, cfg Config, store storage.Store, out io.Writer, errOut io.Writer) error {
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close store: %v\n", err)
		}
	}()

	switch {
	case cfg.Cleanup:
		return runCleanup(ctx, store, cfg.CleanupTTL, cfg.JSONOutput, out)
	case cfg.MarkProcessed:
		rec, err := markProcessedRecord(cfg)
		if err != nil {
			return err
		}
		return runMarkProcessed(ctx, store, rec, cfg.JSONOutput, out)
	case cfg.OutboxReport:
		status, err := normalizeStatusFilter(cfg.OutboxStatus)
		if err != nil {
			return err
		}
		return runOutboxReport(ctx, store, status, cfg.OutboxLimit, cfg.JSONOutput, out)
	case cfg.OutboxRequeueDead:
		return runOutboxRequeueDead(ctx, store, cfg.OutboxRequeueLimit, cfg.JSONOutput, out)
	case cfg.AttemptsReport:
		return runAttemptsReport(ctx, store, cfg.AttemptsLimit, cfg.JSONOutput, out)
	case cfg.MigrationsReport:
		lister, ok := store.(migrationLister)
		if !ok {
			return errors.New("-migrations-report requires a sqlite store")
		}
		return runMigrationsReport(ctx, lister, cfg.JSONOutput, out)
	}
	return errors.New("no maintenance mode selected")
}

type idempotencyCleaner interface {
	CleanupExpired(context.Context, time.Duration) (int64, error)
}

type processedMarker interface {
	MarkProcessed(context.Context, storage.IdempotencyRecord) error
}

type outboxInspector interface {
	GetApplyOutboxSummary(context.Context) (storage.ApplyOutboxSummary, error)
	ListApplyOutbox(context.Context, string, int) ([]storage.ApplyOutboxRecord, error)
}

type outboxRequeuer interface {
	RequeueDeadApply(context.Context, int) (int64, error)
}

type attemptLister interface {
	ListAttempts(context.Context, int) ([]storage.AttemptRecord, error)
}

type migrationLister interface {
	AppliedMigrations(context.Context) ([]sqlitemigrate.AppliedMigration, error)
}

type cleanupResult struct {
	Mode    string `json:"mode"`
	TTL     string `json:"ttl"`
	Removed int64  `json:"removed"`
}

type markProcessedResult struct {
	Mode        string `json:"mode"`
	MessageID   string `json:"message_id"`
	Domain      string `json:"domain,omitempty"`
	ProcessedAt string `json:"processed_at"`
}

type outboxSummaryReport struct {
	Pending        int    `json:"pending"`
	Processing     int    `json:"processing"`
	Failed         int    `json:"failed"`
	Dead           int    `json:"dead"`
	OldestEntityID string `json:"oldest_entity_id,omitempty"`
	OldestDomain   string `json:"oldest_domain,omitempty"`
	OldestSeq      uint64 `json:"oldest_seq,omitempty"`
	OldestAt       string `json:"oldest_at,omitempty"`
}

type outboxRowReport struct {
	Domain        string `json:"domain"`
	EntityID      string `json:"entity_id"`
	Seq           uint64 `json:"seq"`
	ProjectorKey  string `json:"projector_key"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt string `json:"next_attempt_at"`
	LastError     string `json:"last_error,omitempty"`
}

type outboxReportResult struct {
	Mode    string              `json:"mode"`
	Status  string              `json:"status,omitempty"`
	Limit   int                 `json:"limit"`
	Summary outboxSummaryReport `json:"summary"`
	Rows    []outboxRowReport   `json:"rows"`
}

type outboxRequeueDeadResult struct {
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	Requeued int64  `json:"requeued"`
}

type attemptRowReport struct {
	MessageID    string `json:"message_id"`
	ProjectorKey string `json:"projector_key,omitempty"`
	Outcome      string `json:"outcome"`
	AttemptCount int    `json:"attempt_count,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type attemptsReportResult struct {
	Mode  string             `json:"mode"`
	Limit int                `json:"limit"`
	Rows  []attemptRowReport `json:"rows"`
}

type migrationRowReport struct {
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

type migrationsReportResult struct {
	Mode string               `json:"mode"`
	Rows []migrationRowReport `json:"rows"`
}

type contractFileReport struct {
	File      string `json:"file"`
	Projector string `json:"projector,omitempty"`
	Table     string `json:"table,omitempty"`
	Error     string `json:"error,omitempty"`
}

type contractsReportResult struct {
	Mode    string               `json:"mode"`
	Dir     string               `json:"dir"`
	Checked int                  `json:"checked"`
	Invalid int                  `json:"invalid"`
	Files   []contractFileReport `json:"files"`
}

func runCleanup(ctx context.Context, cleaner idempotencyCleaner, ttl time.Duration, jsonOutput bool, out io.Writer) error {
	if cleaner == nil {
		return fmt.Errorf("idempotency store is not configured")
	}
	if ttl <= 0 {
		return fmt.Errorf("cleanup ttl must be > 0")
	}

	removed, err := cleaner.CleanupExpired(ctx, ttl)
	if err != nil {
		return fmt.Errorf("cleanup expired markers: %w", err)
	}

	if jsonOutput {
		encoded, err := json.Marshal(cleanupResult{Mode: "cleanup", TTL: ttl.String(), Removed: removed})
		if err != nil {
			return fmt.Errorf("encode cleanup report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Removed %d idempotency markers older than %s\n", removed, ttl)
	return nil
}

func runMarkProcessed(ctx context.Context, marker processedMarker, rec storage.IdempotencyRecord, jsonOutput bool, out io.Writer) error {
	if marker == nil {
		return fmt.Errorf("idempotency store is not configured")
	}
	if rec.MessageID == "" {
		return fmt.Errorf("message id is required")
	}

	if err := marker.MarkProcessed(ctx, rec); err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}

	if jsonOutput {
		encoded, err := json.Marshal(markProcessedResult{
			Mode:        "mark-processed",
			MessageID:   rec.MessageID,
			Domain:      rec.Domain,
			ProcessedAt: rec.ProcessedAt.Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("encode mark-processed report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	if rec.Domain != "" {
		fmt.Fprintf(out, "Marked message %s (domain %s) processed at %s\n", rec.MessageID, rec.Domain, rec.ProcessedAt.Format(time.RFC3339))
		return nil
	}
	fmt.Fprintf(out, "Marked message %s processed at %s\n", rec.MessageID, rec.ProcessedAt.Format(time.RFC3339))
	return nil
}

func runOutboxReport(ctx context.Context, inspector outboxInspector, status string, limit int, jsonOutput bool, out io.Writer) error {
	if inspector == nil {
		return fmt.Errorf("outbox inspector is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox limit must be > 0")
	}

	summary, err := inspector.GetApplyOutboxSummary(ctx)
	if err != nil {
		return fmt.Errorf("read outbox summary: %w", err)
	}
	rows, err := inspector.ListApplyOutbox(ctx, status, limit)
	if err != nil {
		return fmt.Errorf("list outbox rows: %w", err)
	}

	if jsonOutput {
		report := outboxReportResult{
			Mode:   "outbox",
			Status: status,
			Limit:  limit,
			Summary: outboxSummaryReport{
				Pending:        summary.PendingCount,
				Processing:     summary.ProcessingCount,
				Failed:         summary.FailedCount,
				Dead:           summary.DeadCount,
				OldestEntityID: summary.OldestPendingEntityID,
				OldestDomain:   summary.OldestPendingDomain,
				OldestSeq:      summary.OldestPendingSeq,
			},
			Rows: make([]outboxRowReport, 0, len(rows)),
		}
		if !summary.OldestPendingAt.IsZero() {
			report.Summary.OldestAt = summary.OldestPendingAt.Format(time.RFC3339)
		}
		for _, row := range rows {
			report.Rows = append(report.Rows, outboxRowReport{
				Domain:        row.Domain,
				EntityID:      row.EntityID,
				Seq:           row.Sequence,
				ProjectorKey:  row.ProjectorKey,
				Status:        row.Status,
				Attempts:      row.Attempts,
				NextAttemptAt: row.NextAttemptAt.Format(time.RFC3339),
				LastError:     row.LastError,
			})
		}
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode outbox report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(
		out,
		"Outbox summary: pending=%d processing=%d failed=%d dead=%d\n",
		summary.PendingCount,
		summary.ProcessingCount,
		summary.FailedCount,
		summary.DeadCount,
	)
	if summary.OldestPendingEntityID == "" || summary.OldestPendingAt.IsZero() {
		fmt.Fprintln(out, "Oldest pending/failed row: none")
	} else {
		fmt.Fprintf(
			out,
			"Oldest pending/failed row: %s/%s/%d next_attempt_at=%s\n",
			summary.OldestPendingDomain,
			summary.OldestPendingEntityID,
			summary.OldestPendingSeq,
			summary.OldestPendingAt.Format(time.RFC3339),
		)
	}
	if status == "" {
		fmt.Fprintf(out, "Rows (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Rows (status=%s, limit=%d):\n", status, limit)
	}
	for _, row := range rows {
		fmt.Fprintf(
			out,
			"- %s/%s/%d key=%s status=%s attempts=%d next_attempt_at=%s\n",
			row.Domain,
			row.EntityID,
			row.Sequence,
			row.ProjectorKey,
			row.Status,
			row.Attempts,
			row.NextAttemptAt.Format(time.RFC3339),
		)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runOutboxRequeueDead(ctx context.Context, requeuer outboxRequeuer, limit int, jsonOutput bool, out io.Writer) error {
	if requeuer == nil {
		return fmt.Errorf("outbox requeuer is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox requeue limit must be > 0")
	}

	requeued, err := requeuer.RequeueDeadApply(ctx, limit)
	if err != nil {
		return fmt.Errorf("requeue dead outbox rows: %w", err)
	}

	if jsonOutput {
		encoded, err := json.Marshal(outboxRequeueDeadResult{
			Mode:     "outbox-requeue-dead",
			Limit:    limit,
			Requeued: requeued,
		})
		if err != nil {
			return fmt.Errorf("encode outbox requeue report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Requeued dead outbox rows: %d (limit=%d)\n", requeued, limit)
	return nil
}

func runAttemptsReport(ctx context.Context, lister attemptLister, limit int, jsonOutput bool, out io.Writer) error {
	if lister == nil {
		return fmt.Errorf("attempt store is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("attempts limit must be > 0")
	}

	rows, err := lister.ListAttempts(ctx, limit)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}

	if jsonOutput {
		report := attemptsReportResult{
			Mode:  "attempts",
			Limit: limit,
			Rows:  make([]attemptRowReport, 0, len(rows)),
		}
		for _, row := range rows {
			report.Rows = append(report.Rows, attemptRowReport{
				MessageID:    row.MessageID,
				ProjectorKey: row.ProjectorKey,
				Outcome:      row.Outcome,
				AttemptCount: row.AttemptCount,
				LastError:    row.LastError,
				CreatedAt:    row.CreatedAt.Format(time.RFC3339),
			})
		}
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode attempts report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Attempts (newest first, limit=%d):\n", limit)
	for _, row := range rows {
		key := row.ProjectorKey
		if key == "" {
			key = "-"
		}
		fmt.Fprintf(
			out,
			"- %s key=%s outcome=%s attempt=%d at=%s\n",
			row.MessageID,
			key,
			row.Outcome,
			row.AttemptCount,
			row.CreatedAt.Format(time.RFC3339),
		)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runMigrationsReport(ctx context.Context, lister migrationLister, jsonOutput bool, out io.Writer) error {
	if lister == nil {
		return fmt.Errorf("migration lister is not configured")
	}

	rows, err := lister.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	if jsonOutput {
		report := migrationsReportResult{
			Mode: "migrations",
			Rows: make([]migrationRowReport, 0, len(rows)),
		}
		for _, row := range rows {
			report.Rows = append(report.Rows, migrationRowReport{
				Name:      row.Name,
				AppliedAt: row.AppliedAt.Format(time.RFC3339),
			})
		}
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode migrations report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Applied migrations: %d\n", len(rows))
	for _, row := range rows {
		fmt.Fprintf(out, "- %s applied_at=%s\n", row.Name, row.AppliedAt.Format(time.RFC3339))
	}
	return nil
}

func runValidateContracts(dir string, jsonOutput bool, out io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read contracts dir: %w", err)
	}

	report := contractsReportResult{Mode: "contracts", Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		report.Checked++
		file := contractFileReport{File: entry.Name()}
		parsed, err := contract.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			report.Invalid++
			file.Error = err.Error()
		} else {
			file.Projector = parsed.Key()
			file.Table = parsed.Projector.Table
		}
		report.Files = append(report.Files, file)
	}

	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode contracts report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	} else {
		fmt.Fprintf(out, "Validated %d contracts in %s (%d invalid)\n", report.Checked, dir, report.Invalid)
		for _, file := range report.Files {
			if file.Error != "" {
				fmt.Fprintf(out, "- %s: invalid: %s\n", file.File, file.Error)
				continue
			}
			fmt.Fprintf(out, "- %s: ok projector=%s table=%s\n", file.File, file.Projector, file.Table)
		}
	}

	if report.Invalid > 0 {
		return errors.New("contract validation failed")
	}
	return nil
}

func markProcessedRecord(cfg Config) (storage.IdempotencyRecord, error) {
	rec := storage.IdempotencyRecord{
		MessageID:     strings.TrimSpace(cfg.MessageID),
		Domain:        strings.TrimSpace(cfg.Domain),
		CorrelationID: strings.TrimSpace(cfg.CorrelationID),
		ProcessedAt:   time.Now().UTC(),
	}
	if rec.MessageID == "" {
		return storage.IdempotencyRecord{}, errors.New("-message-id is required")
	}
	if trimmed := strings.TrimSpace(cfg.ProcessedAt); trimmed != "" {
		parsed, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return storage.IdempotencyRecord{}, fmt.Errorf("parse -processed-at: %w", err)
		}
		rec.ProcessedAt = parsed.UTC()
	}
	return rec, nil
}

func normalizeStatusFilter(status string) (string, error) {
	trimmed := strings.TrimSpace(status)
	switch trimmed {
	case "", storage.OutboxStatusPending, storage.OutboxStatusProcessing, storage.OutboxStatusFailed, storage.OutboxStatusDead:
		return trimmed, nil
	}
	return "", fmt.Errorf("outbox status must be pending, processing, failed, or dead")
}

func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("database DSN is required")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return postgres.Open(ctx, trimmed)
	}
	cleanPath := filepath.Clean(trimmed)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return sqlite.Open(cleanPath)
}
