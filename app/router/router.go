package router

import (
	"net/http"

	"clawbernetes/app/handler"
	"clawbernetes/app/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router Router
type Router struct {
	rpcHandler     *handler.RPCHandler
	sessionHandler *handler.SessionHandler
	authToken      string
	gatherer       prometheus.Gatherer
}

// NewRouter creates a new Router. gatherer defaults to the Prometheus
// default registry.
func NewRouter(rpcHandler *handler.RPCHandler, sessionHandler *handler.SessionHandler, authToken string, gatherer prometheus.Gatherer) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Router{
		rpcHandler:     rpcHandler,
		sessionHandler: sessionHandler,
		authToken:      authToken,
		gatherer:       gatherer,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	auth := middleware.AuthMiddleware(r.authToken)

	// Node sessions (websocket upgrade)
	engine.GET("/", auth, r.sessionHandler.Serve)

	// Admin RPC
	engine.POST("/rpc", auth, r.rpcHandler.Handle)

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
