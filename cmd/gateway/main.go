// Command gateway is the gridguard HTTP entry point: it loads
// configuration, wires the coordination store, rule engine, governor,
// detectors, escalation handler, and worker pool together, then serves
// the API described in spec.md §6 while the worker pool drains the
// inference stream in the background. See spec.md §5 for the shutdown
// contract this main loop implements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gridguard/gridguard/internal/config"
	"github.com/gridguard/gridguard/pkg/audit"
	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/detectors/postcheck"
	"github.com/gridguard/gridguard/pkg/detectors/precheck"
	"github.com/gridguard/gridguard/pkg/escalation"
	"github.com/gridguard/gridguard/pkg/gateway/metrics"
	"github.com/gridguard/gridguard/pkg/gateway/middleware"
	"github.com/gridguard/gridguard/pkg/gateway/server"
	"github.com/gridguard/gridguard/pkg/governor"
	"github.com/gridguard/gridguard/pkg/identity"
	"github.com/gridguard/gridguard/pkg/rules"
	"github.com/gridguard/gridguard/pkg/sandbox"
	"github.com/gridguard/gridguard/pkg/telemetry"
	"github.com/gridguard/gridguard/pkg/worker"
)

// signatureTTL matches the original's SecurityConfig.SIGNATURE_TTL: an
// optional signed request is only valid for 5 minutes from its timestamp.
const signatureTTL = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := telemetry.NewLogger(telemetry.LoggerConfig{
		Level:       cfg.LogLevel,
		Development: cfg.Environment != "production",
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	tracer, err := telemetry.NewProvider(telemetry.TracerConfig{Enabled: cfg.Environment != "production"})
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	redisOpts, err := redis.ParseURL(cfg.CoordinationStoreURL)
	if err != nil {
		return fmt.Errorf("parse coordination URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	store := coordination.NewRedisStore(redisClient)

	sqlDB, err := sql.Open("pgx", cfg.AuditDBURL)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer sqlDB.Close()
	if err := audit.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate audit database: %w", err)
	}
	auditStore := audit.NewPostgresStore(sqlx.NewDb(sqlDB, "pgx"))

	engine, err := rules.NewEngine(cfg.RulesDir, log, rules.WithDynamicStore(store))
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	defer engine.Stop()

	resolver := identity.NewResolver(cfg.JWTSecret, cfg.APIKeys)

	limiter := governor.NewRedisLimiter(store, governor.Config{
		StaminaMax:        cfg.StaminaMax,
		RegenPerSecond:    cfg.StaminaRegenPerSec,
		CostPerChar:       cfg.StaminaCostPerChar,
		FlowBonus:         cfg.StaminaFlowBonus,
		HeatThreshold:     cfg.HeatThreshold,
		HeatDecayRate:     cfg.HeatThreshold / 60,
		CooldownSeconds:   cfg.CooldownDuration.Seconds(),
		IPCapacity:        100,
		IPRefillRate:      10,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2.0,
	})

	precheckDetector := precheck.NewDetector(engine, store)

	slackNotifier := escalation.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannelID)
	incidentNotifier := escalation.NewIncidentNotifier(cfg.PagerDutyRoutingKey)

	escalator := escalation.NewEscalator(escalation.Config{
		AutoSuspendSeverity: cfg.AutoSuspendSeverity,
		MisuseWindowSeconds: int64(cfg.MisuseWindowSeconds),
		MisuseThreshold:     int64(cfg.MisuseThreshold),
	}, auditStore, store, limiter, nil, slackNotifier, incidentNotifier, log)

	var sigValidator *governor.SignatureValidator
	if cfg.RateLimitSecret != "" {
		sigValidator = governor.NewSignatureValidator(cfg.RateLimitSecret, signatureTTL)
	}

	gate := middleware.NewSafetyGate(store, resolver, limiter, escalator, precheckDetector, auditStore, cfg.MaxInputBytes, sigValidator)

	httpMetrics := metrics.New()

	srv := server.New(server.Dependencies{
		Store:      store,
		AuditStore: auditStore,
		Resolver:   resolver,
		Gate:       gate,
		Escalator:  escalator,
		Metrics:    httpMetrics,
		Tracer:     tracer,
		CSRFSecret: []byte(cfg.CSRFSecret),
		Log:        log,
	})

	invoker := sandbox.NewInvoker(sandbox.Config{
		MaxTokens:      cfg.MaxTokens,
		TimeoutSeconds: cfg.ModelTimeout.Seconds(),
		MaxRPS:         cfg.ModelMaxRPS,
		Model:          cfg.ModelName,
		BaseURL:        cfg.ModelBaseURL,
		APIKey:         cfg.ModelAPIKey,
	})
	classifier := postcheck.NewAnthropicClassifier(cfg.ClassifierAPIKey, anthropic.Model(cfg.ClassifierModel))
	postcheckDetector := postcheck.NewDetector(classifier, log)
	pool := worker.NewPool(worker.Config{
		ConsumerName: "gateway-worker",
		Concurrency:  cfg.WorkerCount,
	}, store, invoker, postcheckDetector, escalator, limiter, log)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Watch(ctx); err != nil {
		return fmt.Errorf("start rule watch: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return pool.Run(gctx)
	})

	group.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			precheckDetector.RefreshBlocklist(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
