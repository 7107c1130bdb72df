package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/carewire/booking-api/internal/handler"
	"github.com/carewire/booking-api/internal/middleware"
)

// Handler registers its routes under the authenticated /api/v1 group.
type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Config struct {
	RateLimit  rate.Limit
	RateBurst  int
	CORSConfig middleware.CORSConfig
	// Registry serves /metrics; pass the registry the application metrics
	// were registered against.
	Registry *prometheus.Registry
}

type Router struct {
	engine *gin.Engine
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	m := &routerMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(m.requestDuration, m.requestTotal)
	return m
}

func (m *routerMetrics) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// FullPath keeps label cardinality bounded; unmatched routes fold
		// into a single label.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		m.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	healthH *handler.HealthHandler,
	handlers []Handler,
	config Config,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.CORS(config.CORSConfig))
	if config.RateLimit > 0 {
		engine.Use(middleware.NewRateLimiter(config.RateLimit, config.RateBurst).RateLimit())
	}
	if config.Registry != nil {
		engine.Use(newRouterMetrics(config.Registry).instrument())
	}

	if healthH != nil {
		engine.GET("/healthz", healthH.HealthCheck)
		engine.GET("/readyz", healthH.Readiness)
	}
	if config.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/api/v1")
	v1.Use(auth.Authenticate())
	for _, h := range handlers {
		h.RegisterRoutes(v1)
	}

	return &Router{engine: engine}
}

// Engine exposes the gin engine for http.Server wiring and tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
