package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-id/gatehouse/internal/oauth"
	"github.com/gatehouse-id/gatehouse/internal/observability"
)

// TokenRefresher is the subset of the oauth service the sweep needs.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, window time.Duration, concurrency int) (int, error)
}

var _ TokenRefresher = (*oauth.Service)(nil)

// TokenRefreshHandler builds the Asynq handler for TaskTokenRefresh.
func TokenRefreshHandler(logger *slog.Logger, refresher TokenRefresher, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload TokenRefreshPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Window <= 0 {
			payload.Window = 15 * time.Minute
		}
		if payload.Concurrency <= 0 {
			payload.Concurrency = 4
		}

		refreshed, err := refresher.RefreshExpiring(ctx, payload.Window, payload.Concurrency)
		if err != nil {
			logger.Error("token refresh sweep failed", slog.Any("error", err))
			return err
		}
		metrics.ObserveTokenRefreshes(refreshed)
		logger.Info("token refresh sweep complete", slog.Int("refreshed", refreshed))
		return nil
	}
}
