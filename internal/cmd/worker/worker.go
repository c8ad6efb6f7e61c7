// Package worker parses worker command flags and launches the projection
// apply runtime.
package worker

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/viewmill/viewmill/internal/platform/cmd"
)

// Config holds worker command configuration.
type Config struct {
	Port            int           `env:"VIEWMILL_WORKER_PORT" envDefault:"8089"`
	DBDSN           string        `env:"VIEWMILL_DB_DSN" envDefault:"data/viewmill.db"`
	ContractsDir    string        `env:"VIEWMILL_WORKER_CONTRACTS_DIR" envDefault:"contracts"`
	ContractGlobs   string        `env:"VIEWMILL_WORKER_CONTRACT_GLOBS"`
	PollInterval    time.Duration `env:"VIEWMILL_WORKER_POLL_INTERVAL" envDefault:"2s"`
	ClaimLimit      int           `env:"VIEWMILL_WORKER_CLAIM_LIMIT" envDefault:"16"`
	CleanupTTL      time.Duration `env:"VIEWMILL_IDEMPOTENCY_TTL" envDefault:"720h"`
	CleanupInterval time.Duration `env:"VIEWMILL_WORKER_CLEANUP_INTERVAL" envDefault:"1h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The worker health gRPC server port")
	fs.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "SQLite path or postgres:// DSN for the projection store")
	fs.StringVar(&cfg.ContractsDir, "contracts-dir", cfg.ContractsDir, "Directory of projection contract files")
	fs.StringVar(&cfg.ContractGlobs, "contract-globs", cfg.ContractGlobs, "Comma-separated contract glob patterns; overrides -contracts-dir")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Apply outbox poll interval")
	fs.IntVar(&cfg.ClaimLimit, "claim-limit", cfg.ClaimLimit, "Maximum apply rows claimed per poll")
	fs.DurationVar(&cfg.CleanupTTL, "cleanup-ttl", cfg.CleanupTTL, "Retention window for processed idempotency markers")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Idempotency cleanup sweep interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}
