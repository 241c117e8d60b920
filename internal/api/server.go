package api

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"gorm.io/gorm"

	"github.com/helmcode/crewnet/internal/auth"
	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/gateway"
	"github.com/helmcode/crewnet/internal/hub"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/router"
	"github.com/helmcode/crewnet/internal/store"
)

// Deps are the collaborators the HTTP server is wired to.
type Deps struct {
	DB       *gorm.DB
	Teams    store.Teams
	Tenants  store.Tenants
	Issuer   *auth.Issuer
	Router   *router.Router
	Gateways *gateway.Pool
	Hub      *hub.Hub
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	AllowedOrigins []string
}

// Server holds dependencies for the HTTP API.
type Server struct {
	App      *fiber.App
	db       *gorm.DB
	teams    store.Teams
	tenants  store.Tenants
	issuer   *auth.Issuer
	router   *router.Router
	gateways *gateway.Pool
	hub      *hub.Hub
	metrics  *metrics.Metrics
	clock    clock.Clock

	// syncMu serialises gateway reconciliation passes.
	syncMu sync.Mutex
}

// NewServer creates a Fiber app with middleware and registers all routes.
func NewServer(d Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "crewnet",
		ErrorHandler:          globalErrorHandler,
		DisableStartupMessage: true,
	})

	origins := "*"
	if len(d.AllowedOrigins) > 0 {
		origins = strings.Join(d.AllowedOrigins, ",")
	}

	// Middleware.
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))
	app.Use(requestLogger())
	app.Use(rejectStrayUpgrades)

	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &Server{
		App:      app,
		db:       d.DB,
		teams:    d.Teams,
		tenants:  d.Tenants,
		issuer:   d.Issuer,
		router:   d.Router,
		gateways: d.Gateways,
		hub:      d.Hub,
		metrics:  d.Metrics,
		clock:    d.Clock,
	}

	s.registerRoutes(d.AllowedOrigins)
	return s
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	slog.Info("starting HTTP server", "addr", addr)
	return s.App.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	slog.Info("shutting down HTTP server")
	return s.App.Shutdown()
}
