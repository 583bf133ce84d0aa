package handlers

import (
	"net/http"
	"time"

	"custody-backend/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	db      *gorm.DB
	started time.Time
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db, started: time.Now()}
}

// Health checks the database and reports uptime.
func (h *HealthHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.Ping()
		if err == nil {
			metrics.DBConnectionStatus.Set(1)
			metrics.DBConnectionActive.Set(float64(sqlDB.Stats().InUse))
		}
	}
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}
