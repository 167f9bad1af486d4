package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/ai/orchestrator"
	"github.com/staymate/concierge/internal/profile"
	apiv1 "github.com/staymate/concierge/server/router/api/v1"
	"github.com/staymate/concierge/store"
)

// Server wires the HTTP surface over the orchestrator.
type Server struct {
	e *echo.Echo

	Profile      *profile.Profile
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Notifier     *orchestrator.Notifier
}

// NewServer creates the HTTP server and the assistant components behind it.
func NewServer(ctx context.Context, profile *profile.Profile, st *store.Store, gateway assistant.Gateway) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifier := orchestrator.NewNotifier(64)
	orch := orchestrator.New(ctx, st, gateway, &orchestrator.Options{
		PollInterval: profile.RunPollInterval(),
		PollTimeout:  profile.RunPollTimeout(),
		Notifier:     notifier,
		Metrics:      orchestrator.NewMetrics(registry),
	})

	s := &Server{
		e:            e,
		Profile:      profile,
		Store:        st,
		Orchestrator: orch,
		Notifier:     notifier,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	apiV1Service := apiv1.NewAPIV1Service(profile, st, gateway, orch, notifier)
	apiV1Service.RegisterRoutes(e)

	return s, nil
}

// Start begins serving. It returns once the listener is bound; serving
// continues on a background goroutine until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)

	var listener net.Listener
	var err error
	if s.Profile.UNIXSock != "" {
		listener, err = net.Listen("unix", s.Profile.UNIXSock)
	} else {
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.e.Listener = listener

	go func() {
		if err := s.e.Start(""); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to serve", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server and abandons in-flight assistant work.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Abandon in-flight polls first so background sends stop issuing
	// requests while connections drain.
	s.Orchestrator.Close()

	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	slog.Info("concierge stopped properly")
}
