package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/infra/config"
	"github.com/arklim/iam-access-core/internal/infra/database"
	kafkainfra "github.com/arklim/iam-access-core/internal/infra/kafka"
	"github.com/arklim/iam-access-core/internal/infra/logger"
	oidcinfra "github.com/arklim/iam-access-core/internal/infra/oidc"
	redisinfra "github.com/arklim/iam-access-core/internal/infra/redis"
	"github.com/arklim/iam-access-core/internal/infra/security"
	"github.com/arklim/iam-access-core/internal/infra/telemetry"
	postgresrepo "github.com/arklim/iam-access-core/internal/repository/postgres"
	redisrepo "github.com/arklim/iam-access-core/internal/repository/redis"
	transportgrpc "github.com/arklim/iam-access-core/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/iam-access-core/internal/transport/grpc/interceptors"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/transport/http/routes"
	"github.com/arklim/iam-access-core/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Application owns every long-lived component of the service.
type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	producer   *kafkainfra.Producer
	tracing    *telemetry.TracerProvider
	grpcServer *grpc.Server
	grpcAddr   string
	sweeper    *usecase.ExpiryWorker
}

// New wires infrastructure, repositories, services and transports.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log, grpcAddr: fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	tracing, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.tracing = tracing

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	keyProvider, err := security.NewKeyProvider(cfg.App.Env, cfg.JWT.KeyDirectory)
	if err != nil {
		return fmt.Errorf("init key provider: %w", err)
	}
	jwtManager := security.NewJWTManager(keyProvider)
	tokenIssuer := security.NewAccessTokenIssuer(jwtManager, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.AccessTokenTTL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := usecase.NewMetrics(usecase.MetricsOptions{Registerer: registry})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{Registerer: registry})
	if err != nil {
		return fmt.Errorf("init grpc metrics: %w", err)
	}

	var (
		stateGuard     port.StateReplayGuard
		rateLimitStore port.RateLimitStore
		cache          routes.CacheChecker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisinfra.NewClient(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.redis = redisClient
		cache = redisClient

		window := cfg.RateLimit.WindowDuration
		if window <= 0 {
			window = time.Minute
		}
		stateGuard = redisrepo.NewStateGuard(redisClient.Client(), cfg.Redis.StatePrefix)
		rateLimitStore = redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: cfg.Redis.RateLimitPrefix,
			TTL:       window * 2,
		})
	} else {
		log.Warn("redis disabled: OIDC state replay protection off, rate limits are per instance")
	}

	publisher := a.eventPublisher()

	repos := postgresrepo.NewRepositories(pool)

	auditor := usecase.NewAuditor(repos.Audit).
		WithTimeout(cfg.Audit.WriteTimeout).
		WithMetrics(metrics).
		WithLogger(log)
	if cfg.Audit.Stream {
		auditor.WithPublisher(publisher)
	}

	roleService := usecase.NewRoleService(repos.Roles, repos.Permissions).WithLogger(log)
	assignmentService := usecase.NewAssignmentService(repos.Assignments, repos.Users, repos.Roles, auditor).
		WithPublisher(publisher).
		WithMetrics(metrics).
		WithLogger(log)
	evaluator := usecase.NewPolicyEvaluator(repos.Policies, repos.Relationships).WithLogger(log)
	decisions := usecase.NewDecisionEngine(repos.Users, assignmentService, roleService, evaluator, auditor).
		WithTracer(tracing.Tracer(telemetry.TracerName)).
		WithMetrics(metrics).
		WithLogger(log)

	idp := oidcinfra.NewClient(cfg.OIDC.CallTimeout).WithLogger(log)
	federation := usecase.NewFederationService(repos.Providers, repos.Identities, repos.Users, repos.Roles, assignmentService, idp, auditor).
		WithTokenIssuer(tokenIssuer).
		WithPublisher(publisher).
		WithMetrics(metrics).
		WithTimeouts(cfg.OIDC.CallTimeout, cfg.OIDC.StateTTL).
		WithLogger(log)
	if stateGuard != nil {
		federation.WithReplayGuard(stateGuard)
	}

	services := routes.ServiceSet{
		Decisions:     decisions,
		Assignments:   assignmentService,
		Roles:         roleService,
		Policies:      usecase.NewPolicyService(repos.Policies, auditor).WithLogger(log),
		Relationships: usecase.NewRelationshipService(repos.Relationships).WithLogger(log),
		Providers:     usecase.NewProviderService(repos.Providers, auditor).WithLogger(log),
		Federation:    federation,
		Audit:         usecase.NewAuditService(repos.Audit),
		Users:         usecase.NewUserService(repos.Users, repos.Identities, auditor).WithLogger(log),
	}

	rateLimiter := middleware.NewRateLimiter(rateLimitStore, log).
		WithLocalFallback(cfg.RateLimit.LocalRPS, cfg.RateLimit.LocalBurst)

	deps := routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: rateLimiter,
		Metrics:     httpMetrics,
		Gatherer:    registry,
		Services:    services,
		JWTManager:  jwtManager,
		Database:    pool,
		Cache:       cache,
	}
	a.engine = routes.Register(deps)

	parse := security.ParseOptions{Issuer: cfg.JWT.Issuer}
	if len(cfg.JWT.Audience) > 0 {
		parse.Audience = cfg.JWT.Audience[0]
	}
	a.grpcServer = transportgrpc.NewServer(transportgrpc.ServerDependencies{
		Decisions:    decisions,
		Tokens:       jwtManager,
		ParseOptions: parse,
		Metrics:      grpcMetrics,
		Logger:       log,
	})

	a.sweeper = usecase.NewExpiryWorker(assignmentService, cfg.Authz.SweepInterval, cfg.Authz.SweepBatchSize, log)
	return nil
}

func (a *Application) eventPublisher() port.EventPublisher {
	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka disabled, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.producer = producer
	a.logger.Info("kafka event publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

// Run serves HTTP and gRPC and sweeps lapsed assignments until ctx is cancelled or a component fails.
func (a *Application) Run(ctx context.Context) error {
	defer a.close()

	lis, err := net.Listen("tcp", a.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", zap.String("env", a.cfg.App.Env), zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("run grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			a.grpcServer.Stop()
		}
		if httpErr != nil {
			return fmt.Errorf("shutdown http server: %w", httpErr)
		}
		return nil
	})

	return g.Wait()
}

func (a *Application) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("shutdown tracing", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
