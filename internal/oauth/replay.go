package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard marks state tokens as consumed so each one completes at most
// one callback. Keys expire with the state itself, so the set stays bounded.
type ReplayGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReplayGuard(rdb *redis.Client) *ReplayGuard {
	return &ReplayGuard{rdb: rdb, ttl: stateMaxAge}
}

// Consume marks the state used. It returns false when the state was already
// consumed by an earlier callback.
func (g *ReplayGuard) Consume(ctx context.Context, state string) (bool, error) {
	if g == nil || g.rdb == nil {
		return true, nil
	}
	sum := sha256.Sum256([]byte(state))
	key := "oauth:state:" + hex.EncodeToString(sum[:])
	fresh, err := g.rdb.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark oauth state used: %w", err)
	}
	return fresh, nil
}
