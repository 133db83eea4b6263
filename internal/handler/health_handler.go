package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/service"
)

type HealthHandler struct {
	healthService *service.HealthService
}

func NewHealthHandler(healthService *service.HealthService) *HealthHandler {
	return &HealthHandler{healthService: healthService}
}

// Check 总是返回 200，降级状态体现在 data.status 中。
func (h *HealthHandler) Check(c *gin.Context) {
	respond(c, http.StatusOK, "success", h.healthService.Check(c.Request.Context()))
}
