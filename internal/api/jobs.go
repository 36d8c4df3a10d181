package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/virtforge/virtforge/pkg/types"
)

func (s *Server) submitJob(c echo.Context) error {
	var req types.JobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	jobID, err := s.jobs.Submit(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusAccepted, types.SubmitResponse{JobID: jobID})
}

func (s *Server) getJob(c echo.Context) error {
	snap, ok := s.jobs.GetStatus(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) recentJobs(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"jobs": []struct{}{}})
	}
	recs, err := s.history.Recent(50)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": recs})
}
