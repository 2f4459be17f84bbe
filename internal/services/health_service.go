package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"lmsbridge/internal/store"
)

// HealthService reports process and dependency health for the admin API.
type HealthService struct {
	version   string
	db        *store.DB
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the health check response.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]string      `json:"services,omitempty"`
}

// NewHealthService creates a HealthService.
func NewHealthService(version string, db *store.DB, logger *slog.Logger) *HealthService {
	return &HealthService{
		version:   version,
		db:        db,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Check reports overall health. The store is the only hard dependency: the
// bridge is degraded without it, but an unreachable control plane is
// normal operation.
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  map[string]string{},
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.Reader.PingContext(checkCtx); err != nil {
		status.Status = "degraded"
		status.Services["store"] = "unreachable: " + err.Error()
		s.logger.WarnContext(ctx, "store health check failed",
			slog.String("action", "health_check"),
			slog.String("error", err.Error()),
		)
	} else {
		status.Services["store"] = "ok"
	}

	return status
}
