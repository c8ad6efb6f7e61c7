package worker

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/viewmill/viewmill/internal/event"
	"github.com/viewmill/viewmill/internal/projection/app"
	"github.com/viewmill/viewmill/internal/projection/contract"
	"github.com/viewmill/viewmill/internal/projection/storage"
	"github.com/viewmill/viewmill/internal/projection/storage/postgres"
	"github.com/viewmill/viewmill/internal/projection/storage/sqlite"
	"github.com/viewmill/viewmill/internal/projection/view"
)

// run assembles the projection runtime from loaded contracts and drives
// the apply loop in the foreground with the cleanup sweep beside it.
func run(ctx context.Context, cfg Config) error {
	store, err := openStore(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}

	runtime, err := buildRuntime(ctx, store, cfg)
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close projection store: %v", closeErr)
		}
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			log.Printf("close projection store: %v", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on worker port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("viewmill.worker", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	cleanupDone := make(chan error, 1)
	go func() {
		cleanupDone <- runtime.RunCleanupLoop(cleanupCtx)
	}()
	defer func() {
		stopCleanup()
		<-cleanupDone
	}()

	log.Printf("worker health server listening at %v", listener.Addr())
	return runtime.RunApplyLoop(ctx)
}

// buildRuntime loads every contract, merges their event declarations, and
// wires the registries the runtime dispatches through. Loading stops at the
// first invalid contract so a bad deploy fails before any row is claimed.
func buildRuntime(ctx context.Context, store storage.Store, cfg Config) (*app.Runtime, error) {
	loader, err := contract.NewLoader(store)
	if err != nil {
		return nil, err
	}

	var projectors []*contract.Projector
	if globs := splitGlobs(cfg.ContractGlobs); len(globs) > 0 {
		projectors, err = loader.DiscoverAndLoad(ctx, globs...)
	} else {
		projectors, err = loader.LoadFromDirectory(ctx, cfg.ContractsDir)
	}
	if err != nil {
		return nil, fmt.Errorf("load projection contracts: %w", err)
	}
	if len(projectors) == 0 {
		return nil, fmt.Errorf("no projection contracts found")
	}

	defs, routes, err := contract.Routing(projectors)
	if err != nil {
		return nil, fmt.Errorf("merge contract event declarations: %w", err)
	}
	events, err := event.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("build event registry: %w", err)
	}

	views := view.NewRegistry()
	for _, projector := range projectors {
		if err := views.Register(projector); err != nil {
			return nil, fmt.Errorf("register projector %s: %w", projector.Key(), err)
		}
	}

	runtime, err := app.NewRuntime(app.Options{
		Store:           store,
		Events:          events,
		Views:           views,
		Routes:          routes,
		PollInterval:    cfg.PollInterval,
		ClaimLimit:      cfg.ClaimLimit,
		CleanupTTL:      cfg.CleanupTTL,
		CleanupInterval: cfg.CleanupInterval,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("worker loaded %d projection contracts (%d event routes)", len(projectors), len(routes))
	return runtime, nil
}

func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
	path := filepath.Clean(dsn)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func splitGlobs(raw string) []string {
	parts := strings.Split(raw, ",")
	globs := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			globs = append(globs, trimmed)
		}
	}
	return globs
}
