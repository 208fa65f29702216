package httpapi

import (
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/authz"
	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/config"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
	"github.com/oriys/orbiq/internal/observability"
	"github.com/oriys/orbiq/internal/orchestrator"
	"github.com/oriys/orbiq/internal/queue"
	"github.com/oriys/orbiq/internal/ratelimit"
	"github.com/oriys/orbiq/internal/registrar"
	"github.com/oriys/orbiq/internal/tenant"
)

// ServerConfig bundles the dependencies StartHTTPServer wires into the mux.
type ServerConfig struct {
	Gate         *tenant.Gate
	Orchestrator *orchestrator.Orchestrator
	Registrar    *registrar.Registrar
	Queue        *queue.Queue
	Breakers     *circuitbreaker.Registry
	Auth         *config.AuthConfig
	RateLimit    *config.RateLimitConfig
	RedisClient  *redis.Client
}

// StartHTTPServer builds the mux, registers routes, wraps the layered
// middleware stack (observability -> ratelimit -> authz -> auth), and
// starts serving in a background goroutine, matching the teacher's
// StartHTTPServer composition.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{
		Gate:         cfg.Gate,
		Orchestrator: cfg.Orchestrator,
		Registrar:    cfg.Registrar,
		Queue:        cfg.Queue,
		Breakers:     cfg.Breakers,
	}
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimit.Tiers))
		for name, tier := range cfg.RateLimit.Tiers {
			tiers[name] = ratelimit.TierConfig{RequestsPerSecond: tier.RequestsPerSecond, BurstSize: tier.BurstSize}
		}
		limiter := ratelimit.New(cfg.RedisClient, tiers, ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Default.BurstSize,
		})
		publicPaths := []string{"/health"}
		handler = ratelimit.Middleware(limiter, publicPaths)(handler)
		logging.Op().Info("rate limiting enabled", "default_rps", cfg.RateLimit.Default.RequestsPerSecond)
	}

	if cfg.Auth != nil && cfg.Auth.Enabled {
		authenticators := buildAuthenticators(cfg.Auth, cfg.RedisClient)

		authorizer := authz.New(domain.RoleViewer)
		handler = authz.Middleware(authorizer)(handler)
		logging.Op().Info("authorization enabled")

		if len(authenticators) > 0 {
			handler = auth.Middleware(authenticators, cfg.Auth.PublicPaths)(handler)
			logging.Op().Info("authentication enabled", "public_paths", cfg.Auth.PublicPaths)
		}
	}

	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err.Error())
		}
	}()
	return server
}

func buildAuthenticators(cfg *config.AuthConfig, redisClient *redis.Client) []auth.Authenticator {
	var authenticators []auth.Authenticator
	if cfg.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
			Algorithm:     cfg.JWT.Algorithm,
			Secret:        cfg.JWT.Secret,
			PublicKeyFile: cfg.JWT.PublicKeyFile,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			logging.Op().Error("failed to initialize JWT authenticator", "error", err.Error())
		} else {
			authenticators = append(authenticators, jwtAuth)
		}
	}
	if cfg.APIKey.Enabled {
		staticKeys := make([]auth.StaticKeyConfig, len(cfg.APIKey.StaticKeys))
		for i, k := range cfg.APIKey.StaticKeys {
			staticKeys[i] = auth.StaticKeyConfig{Name: k.Name, Key: k.Key, Tier: k.Tier}
		}
		authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{
			Redis:      redisClient,
			StaticKeys: staticKeys,
		}))
	}
	return authenticators
}
