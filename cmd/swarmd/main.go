// Command swarmd runs the whole coordination runtime in one process:
// the agent loops, the governor, the executor, and the feed API.
// Every piece also runs standalone against the same Redis and SQLite,
// so replicas N >= 1 of any consumer are safe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casegraph/swarm/pkg/activation"
	"github.com/casegraph/swarm/pkg/agentloop"
	"github.com/casegraph/swarm/pkg/authz"
	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/certificate"
	"github.com/casegraph/swarm/pkg/config"
	"github.com/casegraph/swarm/pkg/convergence"
	"github.com/casegraph/swarm/pkg/executor"
	"github.com/casegraph/swarm/pkg/finality"
	"github.com/casegraph/swarm/pkg/governor"
	"github.com/casegraph/swarm/pkg/httpapi"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/observability"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/roles"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmd:", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "swarmd",
		Enabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("database open failed", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer db.Close()

	b, err := bus.New(ctx, bus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Error("bus connect failed", "addr", cfg.RedisAddr, "error", err)
		return 1
	}
	defer b.Close()

	// Stores.
	walLog, err := wal.New(ctx, db)
	if err != nil {
		return fatal(logger, "wal init", err)
	}
	states, err := stategraph.New(ctx, db)
	if err != nil {
		return fatal(logger, "stategraph init", err)
	}
	graph, err := semgraph.New(ctx, db)
	if err != nil {
		return fatal(logger, "semgraph init", err)
	}
	memory, err := activation.NewMemoryStore(ctx, db)
	if err != nil {
		return fatal(logger, "memory init", err)
	}
	processed, err := agentloop.NewProcessedStore(ctx, db)
	if err != nil {
		return fatal(logger, "processed init", err)
	}
	convStore, err := convergence.NewStore(ctx, db)
	if err != nil {
		return fatal(logger, "convergence init", err)
	}
	audit, err := policy.NewAuditStore(ctx, db)
	if err != nil {
		return fatal(logger, "audit init", err)
	}
	queue, err := review.NewQueue(ctx, db, b, logger)
	if err != nil {
		return fatal(logger, "review init", err)
	}
	certs, err := certificate.NewStore(ctx, db)
	if err != nil {
		return fatal(logger, "certificate store init", err)
	}

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		return fatal(logger, "object store init", err)
	}

	// Policy: declarative by default, WASM binding when configured.
	loader, err := newPolicyLoader(cfg, logger)
	if err != nil {
		return fatal(logger, "policy load", err)
	}
	declarative := policy.NewDeclarative(loader)
	var binding policy.Binding = declarative
	if cfg.WASMPolicyPath != "" {
		wasm, err := policy.NewWASMBinding(ctx, cfg.WASMPolicyPath, 5*time.Second)
		if err != nil {
			return fatal(logger, "wasm policy load", err)
		}
		defer wasm.Close(ctx)
		binding = wasm
	}
	engine := policy.NewEngine(binding, audit)

	fcfg, err := newFinalityConfig(cfg, logger)
	if err != nil {
		return fatal(logger, "finality load", err)
	}

	checker := newChecker(ctx, cfg, logger)

	var keyProvider certificate.KeyProvider
	if len(cfg.CertSeed) > 0 {
		keyProvider, err = certificate.NewKeyProviderFromSeed(cfg.CertSeed)
		if err != nil {
			return fatal(logger, "certificate key", err)
		}
	}
	signer, err := certificate.NewSigner(keyProvider)
	if err != nil {
		return fatal(logger, "certificate signer", err)
	}

	evaluator := finality.NewEvaluator(fcfg, graph, states, convStore, queue,
		signer, certs, walLog, b,
		func() []string { return []string{loader.Current().Version} }, logger)

	gov := governor.New(b, states, walLog, engine, loader, queue, checker, blobs, logger)
	gov.FinalityCheck = func(ctx context.Context, scopeID string) {
		if _, err := evaluator.Evaluate(ctx, scopeID); err != nil {
			logger.Warn("finality check failed", "scope_id", scopeID, "error", err)
		}
	}
	gov.OnPolicyViolation = func(scopeID string) {
		obs.RecordPolicyViolation(context.Background(), scopeID)
	}

	exec := executor.New(b, states, walLog, declarative, blobs, evaluator, logger)

	// Role runners.
	extraction := roles.NewExtractionClient(cfg.ExtractionURL, logger)
	embedder := roles.NewEmbeddingClient(cfg.EmbeddingURL, cfg.EmbedModel, logger)
	runners := map[string]roles.Runner{
		roles.RoleFacts:   roles.NewFactsRunner(walLog, blobs, extraction),
		roles.RoleDrift:   roles.NewDriftRunner(blobs, extraction),
		roles.RolePlanner: roles.NewPlannerRunner(blobs, declarative),
		roles.RoleStatus:  roles.NewStatusRunner(states, graph, logger),
	}
	deps := agentloop.Deps{
		Bus: b, WAL: walLog, States: states, Memory: memory,
		Processed: processed, Graph: graph, Blobs: blobs,
		Checker: checker, Embedder: embedder, Log: logger,
	}

	feed := httpapi.NewFeed(b, walLog, states, graph, queue, convStore, fcfg, audit,
		httpapi.AuthConfig{StaticToken: cfg.APIToken, JWTSecret: cfg.JWTSecret}, logger)
	feed.Embedder = embedder
	feedServer := &http.Server{
		Addr:              cfg.FeedAddr,
		Handler:           feed.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 8)
	for _, role := range roles.Registry() {
		loop := agentloop.New(role, runners[role.Name], deps)
		go func() {
			obs.LoopStarted(ctx, loop.ConsumerName())
			defer obs.LoopStopped(context.Background(), loop.ConsumerName())
			errCh <- loop.Run(ctx)
		}()
	}
	go func() { errCh <- gov.Run(ctx) }()
	go func() { errCh <- exec.Run(ctx) }()
	go func() {
		logger.Info("feed server listening", "addr", cfg.FeedAddr)
		if err := feedServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("swarmd ready")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", "error", err)
			shutdown(feedServer, logger)
			return 1
		}
	}
	shutdown(feedServer, logger)
	return 0
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("feed server shutdown", "error", err)
	}
}

func fatal(logger *slog.Logger, what string, err error) int {
	logger.Error(what+" failed", "error", err)
	return 1
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objectstore.Store, error) {
	if cfg.S3Bucket == "" {
		logger.Warn("no S3 bucket configured, using in-memory object store")
		return objectstore.NewMemory(), nil
	}
	return objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		Prefix:   cfg.S3Prefix,
	})
}

func newPolicyLoader(cfg *config.Config, logger *slog.Logger) (*policy.Loader, error) {
	loader, err := policy.NewLoader(cfg.PolicyPath)
	if err == nil {
		return loader, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logger.Warn("policy file missing, using defaults", "path", cfg.PolicyPath)
	def, perr := policy.Parse([]byte(defaultPolicyYAML))
	if perr != nil {
		return nil, perr
	}
	return policy.Static(def), nil
}

func newFinalityConfig(cfg *config.Config, logger *slog.Logger) (finality.Config, error) {
	fcfg, err := finality.Load(cfg.FinalityPath)
	if err == nil {
		return fcfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("finality file missing, using defaults", "path", cfg.FinalityPath)
		return finality.DefaultConfig(), nil
	}
	return finality.Config{}, err
}

// newChecker selects the external authorizer when configured, else the
// in-process engine seeded with writer grants for every role.
func newChecker(ctx context.Context, cfg *config.Config, logger *slog.Logger) authz.Checker {
	if cfg.AuthzURL != "" {
		return authz.NewRemote(cfg.AuthzURL, 5*time.Second)
	}
	engine := authz.NewEngine()
	for _, role := range roles.Registry() {
		for _, node := range []string{
			stategraph.NodeContextIngested,
			stategraph.NodeFactsExtracted,
			stategraph.NodeDriftChecked,
		} {
			if err := engine.GrantWriter(ctx, "agent:"+role.Name, "*", node); err != nil {
				logger.Warn("authz seed failed", "role", role.Name, "error", err)
			}
		}
	}
	return engine
}

// defaultPolicyYAML is the fallback when no policy file is deployed:
// auto-approve, but block the advance out of DriftChecked while drift
// stays high.
const defaultPolicyYAML = `
mode: YOLO
rules:
  - when:
      drift_level: [medium, high]
      drift_type: contradiction
    action: request human resolution for open contradictions
transition_rules:
  - from: DriftChecked
    to: ContextIngested
    block_when:
      drift_level: [high]
    reason: drift too high to continue ingesting
`
