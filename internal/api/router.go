package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orgchat/relay/internal/auth"
	"github.com/orgchat/relay/internal/cache"
	"github.com/orgchat/relay/internal/middleware"
	"github.com/orgchat/relay/internal/relay"
	"github.com/orgchat/relay/internal/utils"
)

// HealthChecker reports storage liveness for /healthz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Router struct {
	mux    *http.ServeMux
	db     HealthChecker
	cache  *cache.Cache
	engine *relay.Engine
	jwtMgr *auth.JWTManager
	logger *utils.Logger
}

// NewRouter creates the HTTP surface: the WebSocket upgrade, the admin
// broadcast endpoint and the operational endpoints. jwtMgr may be nil, which
// leaves the admin endpoint permanently unauthorized.
func NewRouter(database HealthChecker, redisCache *cache.Cache, engine *relay.Engine, jwtMgr *auth.JWTManager, logger *utils.Logger) http.Handler {
	rateLimiter := middleware.NewRateLimiter(redisCache.GetClient(), logger)

	r := &Router{
		mux:    http.NewServeMux(),
		db:     database,
		cache:  redisCache,
		engine: engine,
		jwtMgr: jwtMgr,
		logger: logger,
	}

	// Operational endpoints
	r.mux.HandleFunc("/healthz", r.HealthzHandler)
	r.mux.Handle("/metrics", promhttp.Handler())

	// The admin broadcast is the only rate-limited endpoint; the WebSocket
	// protocol polices itself per session.
	r.mux.Handle("/sendmessage", rateLimiter.Middleware(http.HandlerFunc(r.SendMessageHandler)))
	r.mux.Handle("/ws", http.HandlerFunc(r.WebSocketHandler))

	// Apply Request ID middleware to all requests, then tracing.
	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)

	return routerWithMiddleware
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
