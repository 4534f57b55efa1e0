package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/api"
	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/coordinator"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"github.com/Mindburn-Labs/helm-pay/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/session"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/redis/go-redis/v9"
)

// stack is the wired core shared by serve and demo.
type stack struct {
	store       store.Store
	ledger      *ledger.Memory
	engine      *session.Engine
	machine     *process.Machine
	registry    *discovery.Registry
	coordinator *coordinator.Coordinator
	redis       *redis.Client
}

func (s *stack) Close() {
	_ = s.engine.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.store.Close()
}

type stackOptions struct {
	cfg      *config.Config
	policy   *config.Policy
	logger   *slog.Logger
	metrics  *observability.Metrics
	recorder audit.Recorder
	selector *coordinator.Selector
}

// errVolatileLedger refuses a durable store in front of the in-memory
// ledger: after a restart the store would mirror sessions whose funds are gone.
var errVolatileLedger = errors.New("DATABASE_URL is set but the ledger is in-memory; set HELM_PAY_ALLOW_VOLATILE_LEDGER=true to run anyway")

// buildStack wires store, policy state, ledger, engine, machine and
// coordinator from configuration.
func buildStack(ctx context.Context, o stackOptions) (*stack, error) {
	if o.cfg.DatabaseURL != "" {
		if !o.cfg.AllowVolatileLedger {
			return nil, errVolatileLedger
		}
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("durable store paired with in-memory ledger; ledger balances are lost on restart")
	}
	st, err := store.Open(ctx, o.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s := &stack{store: st, ledger: ledger.NewMemory(), registry: discovery.NewRegistry()}

	var (
		policyStore security.Store = security.NewMemoryStore(o.policy.Limits())
		engineOpts                 []session.Option
	)
	if o.cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: o.cfg.RedisAddr})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			_ = st.Close()
			return nil, fmt.Errorf("redis %s: %w", o.cfg.RedisAddr, err)
		}
		policyStore = security.NewRedisStore(s.redis, "", o.policy.Limits())
		engineOpts = append(engineOpts, session.WithSharedLimiter(ratelimit.NewRedisWindow(s.redis, "")))
	}
	policy := security.NewPolicy(policyStore)
	for _, agent := range o.policy.Blacklist {
		if err := policy.Blacklist(ctx, agent); err != nil {
			s.closePartial()
			return nil, fmt.Errorf("seed blacklist: %w", err)
		}
	}

	recorders := audit.Multi{audit.NewStoreRecorder(st)}
	if o.recorder != nil {
		recorders = append(recorders, o.recorder)
	}
	trail := audit.NewTrail(recorders, o.logger)

	engineOpts = append(engineOpts,
		session.WithLogger(o.logger),
		session.WithAudit(trail),
		session.WithMetrics(o.metrics),
		session.WithNonceTTL(o.policy.NonceTTL),
		session.WithSweepInterval(o.policy.SweepInterval),
		session.WithLedgerTimeout(o.cfg.LedgerTimeout),
	)
	s.engine = session.NewEngine(s.ledger, st, policy, engineOpts...)

	g, err := process.NewGraph(o.policy.Costs)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.machine = process.NewMachine(g, st, s.engine,
		process.WithLogger(o.logger),
		process.WithAudit(trail),
		process.WithMetrics(o.metrics),
	)

	coordOpts := []coordinator.Option{coordinator.WithLogger(o.logger)}
	if o.selector != nil {
		coordOpts = append(coordOpts, coordinator.WithSelector(o.selector))
	}
	s.coordinator = coordinator.New(s.machine, s.engine, s.registry, coordOpts...)
	return s, nil
}

// closePartial releases what buildStack opened before the engine exists.
func (s *stack) closePartial() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.store.Close()
}

func runServe(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "serve takes no arguments; configure it through the environment\n")
		return 2
	}
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	pol, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := observability.NewMetrics(provider.Meter())
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		return 1
	}

	s, err := buildStack(ctx, stackOptions{cfg: cfg, policy: pol, logger: logger, metrics: metrics})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer s.Close()

	if cfg.AdminSecret == "" {
		logger.Warn("HELM_PAY_ADMIN_SECRET not set; admin routes will reject every request")
	}
	limiter := api.NewIPRateLimiter(50, 100)
	srv := api.NewServer(s.engine, s.machine, s.store,
		api.WithCoordinator(s.coordinator),
		api.WithRegistry(s.registry),
		api.WithAdminAuth(api.NewAdminAuth(cfg.AdminSecret)),
		api.WithRateLimiter(limiter),
		api.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() { _ = s.engine.Run(ctx) }()
	go limiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("helm-pay listening", "addr", cfg.Addr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	_, _ = fmt.Fprintln(stdout, "helm-pay stopped")
	return 0
}
