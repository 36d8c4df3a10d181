package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/virtforge/virtforge/internal/auth"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/jobs"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/terminal"
	"github.com/virtforge/virtforge/pkg/types"
)

// JobService is the orchestrator surface the API exposes.
type JobService interface {
	Submit(req types.JobRequest) (string, error)
	GetStatus(jobID string) (types.JobSnapshot, bool)
}

// WorkspaceService is the VM-manager surface backing the workspace
// routes.
type WorkspaceService interface {
	CreateWorkspace(ctx context.Context, name string, memoryMB, vcpus int, diskSize string) (hypervisor.Domain, error)
	DeleteWorkspace(id string) error
	List(kindFilter types.DomainKind) ([]types.DomainSummary, error)
	Details(ctx context.Context, idOrUUID string) (*types.DomainDetails, error)
	LookupByName(name string) (hypervisor.Domain, error)
	Start(d hypervisor.Domain) error
	Stop(d hypervisor.Domain, force, graceful bool) error
}

// Defaults are the workspace sizing fallbacks applied when a create
// request omits them.
type Defaults struct {
	WorkspaceMemoryMB int
	WorkspaceVCPUs    int
}

// Server holds the API server dependencies.
type Server struct {
	echo       *echo.Echo
	jobs       JobService
	history    *jobs.History
	workspaces WorkspaceService
	bridge     *terminal.Bridge
	defaults   Defaults
}

// NewServer creates a new API server with all routes configured.
// history may be nil; the job history route then returns an empty list.
func NewServer(jobSvc JobService, history *jobs.History, ws WorkspaceService, bridge *terminal.Bridge, defaults Defaults, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if defaults.WorkspaceMemoryMB <= 0 {
		defaults.WorkspaceMemoryMB = 1024
	}
	if defaults.WorkspaceVCPUs <= 0 {
		defaults.WorkspaceVCPUs = 1
	}

	s := &Server{
		echo:       e,
		jobs:       jobSvc,
		history:    history,
		workspaces: ws,
		bridge:     bridge,
		defaults:   defaults,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health and metrics (no auth)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API routes (with auth)
	api := e.Group("/v1")
	api.Use(auth.APIKeyMiddleware(apiKey))

	// Jobs
	api.POST("/jobs", s.submitJob)
	api.GET("/jobs/:id", s.getJob)
	api.GET("/jobs", s.recentJobs)

	// Workspaces
	api.POST("/workspaces", s.createWorkspace)
	api.GET("/workspaces", s.listWorkspaces)
	api.GET("/workspaces/:id", s.getWorkspace)
	api.DELETE("/workspaces/:id", s.deleteWorkspace)
	api.POST("/workspaces/:id/start", s.startWorkspace)
	api.POST("/workspaces/:id/stop", s.stopWorkspace)

	// Interactive terminal
	api.GET("/workspaces/:id/terminal", s.terminalWebSocket)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
