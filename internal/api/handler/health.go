package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	mongostore "github.com/sitecraft/sitecraft-api/internal/infrastructure/db/mongo"
)

// HealthHandler handles GET /health, the liveness probe.
// Returns 200 immediately; confirms the process is alive.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// ConnectionStatus is satisfied by the MongoDB connection manager.
type ConnectionStatus interface {
	Status() mongostore.Status
}

// HealthDependenciesHandler handles GET /health/ready, the readiness probe.
// MongoDB readiness comes from the connection manager state, so the probe
// never dials; Redis is pinged only when the login limiter is enabled.
type HealthDependenciesHandler struct {
	mongo ConnectionStatus
	redis redis.UniversalClient
}

// NewHealthDependenciesHandler builds the readiness probe; rdb may be nil.
func NewHealthDependenciesHandler(conn ConnectionStatus, rdb redis.UniversalClient) *HealthDependenciesHandler {
	return &HealthDependenciesHandler{
		mongo: conn,
		redis: rdb,
	}
}

type dependencyStatus struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies"`
}

// Readiness reports 503 with a "degraded" body while MongoDB is not connected.
//
// @Summary      Readiness probe
// @Tags         health
// @Produce      json
// @Success      200   {object}  readinessResponse
// @Failure      503   {object}  readinessResponse
// @Router       /health/ready [get]
func (h *HealthDependenciesHandler) Readiness(c echo.Context) error {
	deps := make(map[string]dependencyStatus)
	healthy := true

	// --- MongoDB link state ---
	st := h.mongo.Status()
	if st.State == mongostore.StateConnected {
		deps["mongodb"] = dependencyStatus{Status: "ok", State: st.State.String()}
	} else {
		deps["mongodb"] = dependencyStatus{Status: "unhealthy", State: st.State.String(), Error: st.Reason}
		healthy = false
	}

	// --- Redis ping ---
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx).Err(); err != nil {
			deps["redis"] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
			healthy = false
		} else {
			deps["redis"] = dependencyStatus{Status: "ok"}
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, readinessResponse{
		Status:       status,
		Dependencies: deps,
	})
}
