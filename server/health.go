package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

type HealthResponse struct {
	Status  string          `json:"status"`
	Gateway string          `json:"gateway"`
	Modules map[string]bool `json:"modules"`
}

// handleHealth reports the gateway as degraded when any module probe fails.
// The gateway itself answering means it is operational.
func (s *Server) handleHealth(c *gin.Context) {
	modules, err := s.router.HealthCheck(c.Request.Context())
	if err != nil {
		s.errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	status := HealthHealthy
	for _, healthy := range modules {
		if !healthy {
			status = HealthDegraded
			break
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Gateway: "operational",
		Modules: modules,
	})
}

func (s *Server) listModules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"modules": s.router.List()})
}

func (s *Server) moduleHealth(c *gin.Context) {
	health, err := s.router.HealthCheck(c.Request.Context())
	if err != nil {
		s.errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": health})
}
