package monitoring

import (
	"context"
	"fmt"
	"time"

	"meetrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck reports unhealthy when the room registry holds more
// participants than maxParticipants. Zero disables the bound.
func (h *HealthChecker) AddRegistryCheck(rooms ports.RoomRegistry, maxParticipants int, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		stats := rooms.Stats()
		if maxParticipants > 0 && stats.Participants > maxParticipants {
			return false, fmt.Errorf("%d participants exceed capacity %d", stats.Participants, maxParticipants)
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
