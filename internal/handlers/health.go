package handlers

import (
	"net/http"

	"github.com/gluk-w/aicli/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if err := database.Ping(); err == nil {
		dbStatus = "connected"
	}

	tunnels := 0
	if Tunnels != nil {
		tunnels = len(Tunnels.ListActive())
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"tunnels":  tunnels,
	})
}
