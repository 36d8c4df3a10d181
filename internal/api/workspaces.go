package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/virtforge/virtforge/pkg/types"
)

func (s *Server) createWorkspace(c echo.Context) error {
	var req types.WorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	memoryMB := req.MemoryMB
	if memoryMB <= 0 {
		memoryMB = s.defaults.WorkspaceMemoryMB
	}
	vcpus := req.VCPUs
	if vcpus <= 0 {
		vcpus = s.defaults.WorkspaceVCPUs
	}

	dom, err := s.workspaces.CreateWorkspace(c.Request().Context(), req.Name, memoryMB, vcpus, req.DiskSize)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	if err := s.workspaces.Start(dom); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "workspace defined but failed to start: " + err.Error(),
		})
	}
	return c.JSON(http.StatusCreated, types.WorkspaceCreateResponse{WorkspaceID: dom.Name})
}

func (s *Server) listWorkspaces(c echo.Context) error {
	list, err := s.workspaces.List(types.DomainKindWorkspace)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, types.WorkspaceListResponse{Workspaces: list})
}

func (s *Server) getWorkspace(c echo.Context) error {
	details, err := s.workspaces.Details(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "workspace not found",
		})
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) deleteWorkspace(c echo.Context) error {
	if err := s.workspaces.DeleteWorkspace(c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startWorkspace(c echo.Context) error {
	dom, err := s.workspaces.LookupByName(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "workspace not found",
		})
	}
	if err := s.workspaces.Start(dom); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stopWorkspace(c echo.Context) error {
	dom, err := s.workspaces.LookupByName(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "workspace not found",
		})
	}
	force := c.QueryParam("force") == "true"
	if err := s.workspaces.Stop(dom, force, !force); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}
