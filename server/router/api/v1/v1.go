// Package v1 exposes the assistant orchestrator to the UI layer as a JSON
// API. Authentication happens upstream; handlers trust the user identity
// header set by the gateway in front of this service.
package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/staymate/concierge/ai/assistant"
	"github.com/staymate/concierge/ai/orchestrator"
	"github.com/staymate/concierge/internal/profile"
	"github.com/staymate/concierge/plugin/voice"
	"github.com/staymate/concierge/store"
)

// userIDHeader carries the upstream-authenticated user identity.
const userIDHeader = "X-User-ID"

// maxConcurrentSends caps background sends across all users so a burst of
// slow runs cannot exhaust the process.
const maxConcurrentSends = 32

type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Notifier     *orchestrator.Notifier
	Voice        *voice.Service

	sendSemaphore *semaphore.Weighted
}

func NewAPIV1Service(
	profile *profile.Profile,
	st *store.Store,
	gateway assistant.Gateway,
	orch *orchestrator.Orchestrator,
	notifier *orchestrator.Notifier,
) *APIV1Service {
	return &APIV1Service{
		Profile:       profile,
		Store:         st,
		Orchestrator:  orch,
		Notifier:      notifier,
		Voice:         voice.NewService(gateway, orch, notifier, nil),
		sendSemaphore: semaphore.NewWeighted(maxConcurrentSends),
	}
}

// RegisterRoutes attaches all v1 routes to the echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/assistant")

	g.POST("/messages", s.SendMessage)
	g.POST("/voice", s.SendVoice)

	g.GET("/threads", s.ListThreads)
	g.POST("/threads", s.CreateThread)
	g.GET("/threads/:uid/messages", s.GetThreadMessages)
	g.POST("/threads/:uid/switch", s.SwitchThread)
	g.PATCH("/threads/:uid", s.RenameThread)
	g.DELETE("/threads/:uid", s.DeleteThread)

	g.GET("/notifications", s.ListNotifications)
}

// userID extracts the authenticated user identity from the request.
func userID(c echo.Context) (int32, error) {
	raw := c.Request().Header.Get(userIDHeader)
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "invalid user identity")
	}
	return int32(id), nil
}
