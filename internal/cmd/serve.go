package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/agents"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/auth"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/circuitbreaker"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/config"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/db"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/health"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/httpapi"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/interceptors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/mcp"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/policy"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/ratecontrol"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/teamleader"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the team leader with its admin HTTP and gRPC listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// service bundles what serve starts so shutdown can unwind it in order.
type service struct {
	cfg        *config.Config
	logger     *zap.Logger
	leader     *teamleader.TeamLeader
	hub        *streaming.Hub
	redisSink  *streaming.RedisSink
	ledger     *db.Client
	mcp        *mcp.Client
	agents     []*agents.Specialist
	health     *health.Manager
	grpcHealth *grpchealth.Server
	closers    []func() error
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger.Named("tracing"))
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.leader.Initialize(ctx); err != nil {
		return err
	}
	if err := svc.health.Start(ctx); err != nil {
		return err
	}
	defer svc.health.Stop()

	mw, err := svc.middleware()
	if err != nil {
		return err
	}
	httpSrv := svc.httpServer(mw)
	grpcSrv := svc.grpcServer(mw)
	lis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Admin.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Admin HTTP listening", zap.String("address", cfg.Admin.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC health listening", zap.String("address", cfg.Admin.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		svc.watchReadiness(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down team leader")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.grpcHealth.Shutdown()
		grpcSrv.GracefulStop()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("Admin HTTP shutdown", zap.Error(err))
		}
		for _, a := range svc.agents {
			a.Shutdown()
		}
		return svc.leader.Shutdown(sctx)
	})
	return g.Wait()
}

// build wires every component from cfg. Nothing listens yet.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service, error) {
	svc := &service{cfg: cfg, logger: logger, hub: streaming.NewHub(cfg.Events.RingCapacity)}
	ok := false
	defer func() {
		if !ok {
			svc.close()
		}
	}()

	var sinks []streaming.NamedSink
	if rc := cfg.Events.Redis; rc.Enabled {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		svc.closers = append(svc.closers, client.Close)
		svc.redisSink = streaming.NewRedisSink(client, rc.Stream, rc.MaxLen)
		if err := svc.redisSink.Ping(ctx); err != nil {
			logger.Warn("Redis event stream unreachable; continuing", zap.String("addr", rc.Addr), zap.Error(err))
		}
		sinks = append(sinks, streaming.NamedSink{Name: "redis", Sink: svc.redisSink})
	}
	deps := teamleader.Deps{
		Events:      streaming.NewFanout(svc.hub, logger.Named("events"), sinks...),
		RateLimiter: ratecontrol.NewController(cfg.RateLimit, cfg.RateLimits(), logger.Named("ratecontrol")),
		Breakers:    circuitbreaker.NewGroup(cfg.CircuitBreaker, logger.Named("breakers")),
	}

	if cfg.Ledger.Enabled {
		ledger, err := db.Open(ctx, cfg.Ledger.Config, logger.Named("ledger"))
		if err != nil {
			return nil, err
		}
		svc.ledger = ledger
		svc.closers = append(svc.closers, ledger.Close)
		deps.AuditSink = ledger
		deps.HistorySink = ledger
	}

	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(cfg.Policy, logger.Named("policy"))
		if err != nil {
			return nil, err
		}
		deps.Criteria = pe
	}

	leader, err := teamleader.New(cfg.TeamLeader(), deps, logger.Named("teamleader"))
	if err != nil {
		return nil, err
	}
	svc.leader = leader

	mc, err := mcp.NewClient(cfg.MCP.Servers, Version, logger.Named("mcp"))
	if err != nil {
		return nil, err
	}
	svc.mcp = mc
	svc.closers = append(svc.closers, mc.Close)

	if err := svc.startAgents(ctx); err != nil {
		return nil, err
	}
	svc.registerHealthChecks()
	ok = true
	return svc, nil
}

// startAgents creates the configured specialists and registers them.
func (s *service) startAgents(ctx context.Context) error {
	completer := agents.NewHTTPCompleter(s.cfg.LLM.ServiceURL, s.cfg.LLM.Timeout, s.logger.Named("llm"))
	for _, agentType := range sortedKeys(s.cfg.Agents) {
		ac := s.cfg.Agents[agentType]
		for i := 1; i <= ac.Instances; i++ {
			sp, err := agents.NewSpecialist(agents.Config{
				ID:            fmt.Sprintf("%s_%d", agentType, i),
				Type:          agentType,
				MaxConcurrent: ac.MaxConcurrent,
				MaxComplexity: ac.MaxComplexity,
				Permissions:   ac.Permissions,
				MaxTokens:     s.cfg.LLM.MaxTokens,
				Temperature:   s.cfg.LLM.Temperature,
			}, completer, s.logger.Named("agent"), agents.WithMCP(s.mcp))
			if err != nil {
				return err
			}
			if err := sp.Initialize(ctx); err != nil {
				return err
			}
			if err := s.leader.RegisterAgent(sp, sp.Descriptor()); err != nil {
				return err
			}
			s.agents = append(s.agents, sp)
		}
	}
	s.logger.Info("Specialists started", zap.Int("count", len(s.agents)))
	return nil
}

func (s *service) registerHealthChecks() {
	s.health = health.NewManager(0, s.logger.Named("health"))
	_ = s.health.RegisterChecker(health.NewPromptDirChecker(s.cfg.Prompts.Directory))
	_ = s.health.RegisterChecker(health.NewAgentPoolChecker(s.leader.Registry()))
	if s.ledger != nil {
		_ = s.health.RegisterChecker(health.NewLedgerChecker(s.ledger))
	}
	if s.redisSink != nil {
		_ = s.health.RegisterChecker(health.NewRedisChecker(s.redisSink))
	}
}

func (s *service) middleware() (*auth.Middleware, error) {
	a := s.cfg.Admin
	if !a.AuthEnabled {
		s.logger.Warn("Admin authentication disabled; every caller is an operator")
		return auth.NewMiddleware(nil, true, s.logger.Named("auth")), nil
	}
	if a.JWTSecret == "" {
		return nil, errors.New("admin.jwt_secret is required when auth is enabled")
	}
	return auth.NewMiddleware(auth.NewTokenManager(a.JWTSecret, a.TokenTTL), false, s.logger.Named("auth")), nil
}

func (s *service) httpServer(mw *auth.Middleware) *http.Server {
	mux := http.NewServeMux()
	var opts []httpapi.Option
	if s.redisSink != nil {
		opts = append(opts, httpapi.WithEventReplay(s.redisSink))
	}
	httpapi.NewHandler(s.leader, s.hub, s.logger.Named("httpapi"), opts...).RegisterRoutes(mux, mw)
	health.NewHTTPHandler(s.health, s.logger.Named("health")).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	return httpapi.NewServer(s.cfg.Admin.Addr, mux)
}

func (s *service) grpcServer(mw *auth.Middleware) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			interceptors.LoggingUnaryServerInterceptor(s.logger.Named("grpc")),
			mw.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(interceptors.LoggingStreamServerInterceptor(s.logger.Named("grpc"))),
	)
	s.grpcHealth = grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, s.grpcHealth)
	reflection.Register(srv)
	return srv
}

// watchReadiness mirrors the health manager onto the gRPC health service.
func (s *service) watchReadiness(ctx context.Context) {
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if !s.health.IsReady(ctx) {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.grpcHealth.SetServingStatus("", st)
	}
	update()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Close failed", zap.Error(err))
		}
	}
	s.closers = nil
}
