package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTokenRefresh renews provider access tokens nearing expiry.
	TaskTokenRefresh = "oauth:token_refresh"
)

// TokenRefreshPayload scopes one refresh sweep.
type TokenRefreshPayload struct {
	Window      time.Duration `json:"window"`
	Concurrency int           `json:"concurrency"`
}

// NewTokenRefreshTask constructs an Asynq task for a refresh sweep.
func NewTokenRefreshTask(payload TokenRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTokenRefresh, data), nil
}
