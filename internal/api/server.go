package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/acme/blast-dispatch/internal/api/handlers"
	"github.com/acme/blast-dispatch/internal/config"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	cfg      config.HTTPConfig
	handlers *handlers.HandlerSet
}

// NewServer constructs a new HTTP server.
func NewServer(cfg config.HTTPConfig, handlers *handlers.HandlerSet) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "blast-dispatch",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: handlers.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(otelfiber.Middleware())
	handlers.Register(app)

	return &Server{app: app, cfg: cfg, handlers: handlers}
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving HTTP traffic and returns once the context is cancelled
// and the server has drained.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
