package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storefront-payment-api/utils"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db     Pinger
	redis  Pinger
	logger *zap.SugaredLogger
}

func NewHealthHandler(db, redis Pinger, logger *zap.SugaredLogger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, logger: logger}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warnw("database health check failed", "error", err)
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if err := h.redis.Ping(ctx); err != nil {
		h.logger.Warnw("redis health check failed", "error", err)
		checks["redis"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	utils.SendJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
