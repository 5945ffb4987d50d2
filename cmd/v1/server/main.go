// Command server runs one fabric instance: it wires the configured
// backends, seeds the default namespace, and serves the WebSocket endpoint
// until a signal drains it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/config"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/health"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/middleware"
	"github.com/roomcast/roomcast/internal/v1/ratelimit"
	"github.com/roomcast/roomcast/internal/v1/room"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/server"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/tracing"
)

const serviceName = "roomcast"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not up yet.
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Development()); err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Fatal(ctx, "REDIS_URL is not parseable", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Fatal(ctx, "Redis is unreachable", zap.Error(err))
		}
	}

	store, err := state.New(cfg.StateBackend, redisClient)
	if err != nil {
		logging.Fatal(ctx, "State backend init failed", zap.Error(err))
	}
	policy := broker.PublishPolicy{MaxRetries: cfg.PublishMaxRetries, Timeout: cfg.PublishTimeout}
	brk, err := broker.New(cfg.BrokerBackend, redisClient, cfg.NATSURL, policy)
	if err != nil {
		logging.Fatal(ctx, "Broker backend init failed", zap.Error(err))
	}
	sched, err := scheduler.New(cfg.SchedulerBackend, cfg.InstanceID, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Scheduler backend init failed", zap.Error(err))
	}

	adapter, err := buildAuthAdapter(ctx, cfg)
	if err != nil {
		logging.Fatal(ctx, "Auth adapter init failed", zap.Error(err))
	}

	var tp *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		tp, err = tracing.InitTracer(ctx, serviceName, cfg.InstanceID, cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector init failed", zap.Error(err))
			tp = nil
		}
	}

	limiter, err := ratelimit.New(cfg.UpgradeRateLimit, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Upgrade rate limiter init failed", zap.Error(err))
	}

	srv, err := server.New(cfg, server.Deps{
		Store:     store,
		Broker:    brk,
		Scheduler: sched,
		Auth:      adapter,
		Limiter:   limiter,
	})
	if err != nil {
		logging.Fatal(ctx, "Server init failed", zap.Error(err))
	}

	seedLobby(ctx, cfg, srv, store)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(cors.New(corsConfig(cfg)))
	if tp != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	probes := health.NewHandler(store, brk)
	router.GET("/health/live", probes.Liveness)
	router.GET("/health/ready", probes.Readiness)
	srv.Routes(router)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("base_path", cfg.BasePath),
			zap.String("instance_id", cfg.InstanceID))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "HTTP server failed", zap.Error(err))
			// Route the failure through the one shutdown path below.
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Signal received, draining", zap.Duration("budget", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Fabric shutdown finished dirty", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP shutdown failed", zap.Error(err))
	}
	if tp != nil {
		_ = tp.Shutdown(shutdownCtx)
	}
	sched.Close()
	if err := brk.Close(); err != nil {
		logging.Error(ctx, "Broker close failed", zap.Error(err))
	}
	_ = store.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logging.Info(ctx, "Server exited")
}

// buildAuthAdapter picks the verifier named by AUTH_MODE.
func buildAuthAdapter(ctx context.Context, cfg *config.Config) (auth.Adapter, error) {
	switch cfg.AuthMode {
	case config.AuthModeHMAC:
		return auth.NewHMACAdapter(cfg.AuthHMACSecret)
	case config.AuthModeJWKS:
		return auth.NewJWKSAdapter(ctx, cfg.AuthDomain, cfg.AuthAudience)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

// corsConfig translates ALLOWED_ORIGINS into gin-contrib CORS settings. The
// browser CORS preflight is separate from the upgrade origin check; both
// read the same list.
func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = cfg.AllowedOrigins
	return c
}

// seedLobby creates the persistent lobby room in the default namespace and
// schedules its presence report: once a minute, one instance in the cluster
// emits the cluster-wide member count into the room.
func seedLobby(ctx context.Context, cfg *config.Config, srv *server.Server, store state.Store) {
	ns := srv.Namespace(cfg.DefaultNamespace)
	if ns == nil {
		return
	}
	lobby, err := ns.CreateRoom(ctx, "lobby", room.Options{
		Persistent: true,
		Meta:       state.Meta{"title": "Lobby"},
	})
	if err != nil {
		logging.Warn(ctx, "Lobby room unavailable", zap.Error(err))
		return
	}

	err = lobby.ScheduleTask(room.TaskSpec{
		ID:           "presence-report",
		Interval:     time.Minute,
		LockDuration: 55 * time.Second,
		LeaderOnly:   true,
		Handler: func(ctx context.Context, r *room.Room) error {
			count, err := store.CountClientsInRoom(ctx, r.Namespace(), r.Name())
			if err != nil {
				return err
			}
			env, err := envelope.New(r.Namespace(), r.Name(), "room:stats", map[string]int64{
				"members": count,
			})
			if err != nil {
				return err
			}
			return r.Emit(ctx, env)
		},
	})
	if err != nil {
		logging.Warn(ctx, "Lobby presence report not scheduled", zap.Error(err))
	}
}
