package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthChecker is a dependency that can be pinged.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the event broker connection.
type BrokerStatus interface {
	IsConnected() bool
}

// SessionCounter reports live session counts.
type SessionCounter interface {
	ActiveSessions() int
}

type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	ActiveSessions int               `json:"active_sessions"`
	Checks         map[string]string `json:"checks"`
}

// HealthHandler reports dependency health. Nil dependencies are reported
// as not configured.
type HealthHandler struct {
	db        HealthChecker
	redis     HealthChecker
	mqtt      BrokerStatus
	sessions  SessionCounter
	version   string
	startTime time.Time
}

func NewHealthHandler(db, redis HealthChecker, mqtt BrokerStatus, sessions SessionCounter, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		mqtt:      mqtt,
		sessions:  sessions,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Memory store and pointer store are both required to serve sessions
	for name, dep := range map[string]HealthChecker{"database": h.db, "redis": h.redis} {
		if dep == nil {
			checks[name] = "not_configured"
			continue
		}
		if err := dep.HealthCheck(r.Context()); err != nil {
			checks[name] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.ActiveSessions()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
