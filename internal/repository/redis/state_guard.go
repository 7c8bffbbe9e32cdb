package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/iam-access-core/internal/core/port"
)

// StateGuard remembers consumed OIDC state values so a callback is accepted at most once.
// States are stored hashed; the raw value never reaches Redis.
type StateGuard struct {
	client red.UniversalClient
	prefix string
}

// NewStateGuard constructs a guard writing keys under prefix.
func NewStateGuard(client red.UniversalClient, prefix string) *StateGuard {
	if prefix == "" {
		prefix = "oidc:state"
	}
	return &StateGuard{client: client, prefix: prefix}
}

// Consume marks state as used. It returns false when the state was already consumed within ttl.
func (g *StateGuard) Consume(ctx context.Context, state string, ttl time.Duration) (bool, error) {
	if g == nil || g.client == nil {
		return false, errors.New("state guard not configured")
	}
	if state == "" {
		return false, errors.New("state is required")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be positive")
	}

	first, err := g.client.SetNX(ctx, g.key(state), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return first, nil
}

func (g *StateGuard) key(state string) string {
	sum := sha256.Sum256([]byte(state))
	return fmt.Sprintf("%s:%s", g.prefix, hex.EncodeToString(sum[:]))
}

var _ port.StateReplayGuard = (*StateGuard)(nil)
