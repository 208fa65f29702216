package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/orbiq/internal/cache"
	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/config"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/httpapi"
	"github.com/oriys/orbiq/internal/logging"
	"github.com/oriys/orbiq/internal/metrics"
	"github.com/oriys/orbiq/internal/observability"
	"github.com/oriys/orbiq/internal/orchestrator"
	"github.com/oriys/orbiq/internal/queue"
	"github.com/oriys/orbiq/internal/registrar"
	"github.com/oriys/orbiq/internal/secrets"
	"github.com/oriys/orbiq/internal/storage"
	"github.com/oriys/orbiq/internal/synthesis"
	"github.com/oriys/orbiq/internal/tenant"
	"github.com/oriys/orbiq/internal/upstream"
)

// defaultReportCacheTTL is used when the config layer leaves ReportTTL unset.
const defaultReportCacheTTL = 10 * time.Minute

// l1CacheTTL is how long a tiered cache's in-memory layer serves a read
// before falling back to the Redis L2, bounding staleness after another
// instance writes a fresher report.
const l1CacheTTL = 30 * time.Second

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		pgDSN    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orbiq orchestration daemon",
		Long:  "Run orbiq as a control-plane daemon serving the query-submission and queue-status HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("redis") {
				cfg.Cache.RedisAddr = redisAddr
			}
			if cmd.Flags().Changed("redis-pass") {
				cfg.Cache.RedisPass = redisPass
			}
			if cmd.Flags().Changed("redis-db") {
				cfg.Cache.RedisDB = redisDB
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(
					cfg.Observability.Metrics.Namespace,
					cfg.Observability.Metrics.HistogramBuckets,
				)
			}

			repo, err := storage.NewRepository(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer repo.Close()

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPass,
				DB:       cfg.Cache.RedisDB,
			})

			var secretsStore *secrets.Store
			var secretsResolver *secrets.Resolver
			if cfg.Secrets.Enabled || cfg.Secrets.MasterKey != "" || cfg.Secrets.MasterKeyFile != "" {
				var cipher *secrets.Cipher
				var cipherErr error
				if cfg.Secrets.MasterKey != "" {
					cipher, cipherErr = secrets.NewCipher(cfg.Secrets.MasterKey)
				} else if cfg.Secrets.MasterKeyFile != "" {
					cipher, cipherErr = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
				}
				if cipherErr != nil {
					logging.Op().Warn("failed to initialize secrets", "error", cipherErr)
				} else if cipher != nil {
					secretsStore = secrets.NewStore(redisClient, cipher)
					secretsResolver = secrets.NewResolver(secretsStore)
					logging.Op().Info("secrets management enabled")
				}
			}

			analyticsAPIKey := resolveSecret(context.Background(), secretsResolver, cfg.Upstream.AnalyticsAPIKey)
			embeddingAPIKey := resolveSecret(context.Background(), secretsResolver, cfg.Upstream.EmbeddingAPIKey)

			analyticsClient := upstream.NewAnalyticsClient(upstream.AnalyticsConfig{
				BaseURL: cfg.Upstream.AnalyticsBaseURL,
				APIKey:  analyticsAPIKey,
				Timeout: cfg.Upstream.CallTimeout,
			})
			embeddingClient := upstream.NewEmbeddingClient(upstream.EmbeddingConfig{
				BaseURL:           cfg.Upstream.EmbeddingBaseURL,
				APIKey:            embeddingAPIKey,
				Timeout:           cfg.Upstream.CallTimeout,
				ExpectedDimension: cfg.Upstream.EmbeddingDims,
			})

			l1 := cache.NewInMemoryCache()
			l2 := cache.NewRedisCacheFromClient(redisClient, "orbiq:cache:")
			tiered := cache.NewTieredCache(l1, l2, l1CacheTTL)
			reportTTL := cfg.Cache.ReportTTL
			if reportTTL == 0 {
				reportTTL = defaultReportCacheTTL
			}
			reportCache := &reportCacheAdapter{cache: tiered, ttl: reportTTL}

			breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
				FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
				SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
				RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
			})

			gate := tenant.NewGate(repo)

			queueCfg := queue.Config{
				ResultTTL: cfg.Queue.ResultTTL,
				Backoff: queue.BackoffConfig{
					Initial:    cfg.Queue.InitialBackoff,
					Multiplier: cfg.Queue.BackoffMultiplier,
					Max:        cfg.Queue.MaxBackoff,
				},
				WaitPollInitial: 100 * time.Millisecond,
				WaitPollCap:     cfg.Queue.WaitPollCap,
			}
			endpoints := map[string]queue.Endpoint{
				"analytics-fetch": analyticsClient,
				"query-embed":     embeddingClient,
			}
			q := queue.New(queueCfg, queue.NewChannelNotifier(), endpoints)
			workerManager := queue.NewWorkerManager(q, queue.WorkerManagerConfig{
				Interval:          cfg.WorkerManager.Interval,
				RequestsPerWorker: cfg.WorkerManager.RequestsPerWorker,
				MinWorkers:        cfg.WorkerManager.MinWorkers,
				MaxWorkers:        cfg.WorkerManager.MaxWorkers,
			})
			q.AttachManager(workerManager)

			managerCtx, cancelManager := context.WithCancel(context.Background())
			go workerManager.Run(managerCtx)

			reg := registrar.New()

			orch := orchestrator.New(
				orchestrator.DefaultConfig(),
				gate,
				breakers,
				analyticsClient,
				embeddingClient,
				repo,
				reportCache,
				synthesis.Synthesize,
			)
			orch.SetQueue(q)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = httpapi.StartHTTPServer(cfg.Daemon.HTTPAddr, httpapi.ServerConfig{
					Gate:         gate,
					Orchestrator: orch,
					Registrar:    reg,
					Queue:        q,
					Breakers:     breakers,
					Auth:         &cfg.Auth,
					RateLimit:    &cfg.RateLimit,
					RedisClient:  redisClient,
				})
				logging.Op().Info("HTTP API started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					reg.InitiateShutdown(int(cfg.Registrar.ShutdownGracePeriod / time.Second))
					cancelManager()
					if httpServer != nil {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						httpServer.Shutdown(shutdownCtx)
						cancel()
					}
					tiered.Close()
					return nil
				case <-ticker.C:
					stats := reg.Stats()
					logging.Op().Debug("daemon status", "active_connections", stats.Total, "shutting_down", stats.IsShuttingDown)
				}
			}
		},
	}

	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// resolveSecret resolves a possibly $SECRET:-prefixed config value through
// resolver. A nil resolver (secrets management disabled) or a value that
// isn't a secret reference passes through unchanged.
func resolveSecret(ctx context.Context, resolver *secrets.Resolver, value string) string {
	if resolver == nil || !secrets.IsSecretRef(value) {
		return value
	}
	resolved, err := resolver.ResolveValue(ctx, value)
	if err != nil {
		logging.Op().Error("failed to resolve secret reference", "error", err)
		return value
	}
	return resolved
}

// reportCacheAdapter bridges orchestrator.ReportCache's typed Report
// get/set over the byte-oriented cache.Cache interface.
type reportCacheAdapter struct {
	cache cache.Cache
	ttl   time.Duration
}

func (a *reportCacheAdapter) Get(ctx context.Context, key string) (domain.Report, bool, error) {
	data, err := a.cache.Get(ctx, key)
	if err == cache.ErrNotFound {
		return domain.Report{}, false, nil
	}
	if err != nil {
		return domain.Report{}, false, err
	}
	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.Report{}, false, err
	}
	return report, true, nil
}

func (a *reportCacheAdapter) Set(ctx context.Context, key string, report domain.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return a.cache.Set(ctx, key, data, a.ttl)
}
