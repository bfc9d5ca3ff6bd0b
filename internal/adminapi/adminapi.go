// Package adminapi exposes the read-only HTTP admin surface named in
// SPEC_FULL.md's domain stack: /healthz, /endpoints (pool summary),
// /pools, and /xa. Grounded on the teacher pack's fiber usage (e.g.
// netresearch-ldap-manager/internal/web/health.go) — one App-style struct
// holding a *fiber.App and one handler method per route, JSON responses
// via fiber.Map.
package adminapi

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// Deps is the read-only surface the admin API needs from the dispatcher.
// Plain functions rather than the concrete server types so this package
// never imports "server" (which would create an import cycle, since
// server.Server constructs this package).
type Deps struct {
	PoolStats   func() map[string]poolspi.Stats
	XAPoolStats func() map[string]poolspi.Stats
	XACount     func() int
	Sessions    func() int
}

// Server is the admin HTTP surface.
type Server struct {
	app    *fiber.App
	deps   Deps
	logger zerolog.Logger
}

// New builds the admin API's routes. Listen has not been called yet.
func New(deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	s := &Server{app: app, deps: deps, logger: logger}

	app.Get("/healthz", s.healthHandler)
	app.Get("/endpoints", s.endpointsHandler)
	app.Get("/pools", s.poolsHandler)
	app.Get("/xa", s.xaHandler)

	return s
}

// Listen blocks serving on addr until the app is shut down.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("admin api listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithContext(context.Background())
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"sessions": s.deps.Sessions(),
	})
}

// endpointsHandler reports one summary row per connection-hash this
// server instance has a pool for — the closest single-server analog of
// C1's endpoint registry, which otherwise lives entirely client-side.
func (s *Server) endpointsHandler(c *fiber.Ctx) error {
	pools := s.deps.PoolStats()
	out := make([]fiber.Map, 0, len(pools))
	for connHash, stats := range pools {
		out = append(out, fiber.Map{
			"connHash": connHash,
			"active":   stats.NumActive,
			"idle":     stats.NumIdle,
			"maxTotal": stats.MaxTotal,
		})
	}
	return c.JSON(fiber.Map{"endpoints": out})
}

func (s *Server) poolsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"nonXA": s.deps.PoolStats(),
		"xa":    s.deps.XAPoolStats(),
	})
}

// xaHandler reports the number of open XA transactions. Dual-condition
// release of XA backend sessions assumes the calling application does not
// itself pool XAConnection objects; nothing here checks or enforces that.
func (s *Server) xaHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"openTransactions": s.deps.XACount(),
	})
}
