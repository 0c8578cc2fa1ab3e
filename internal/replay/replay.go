// Package replay provides server-side single-use enforcement for attendance
// tokens. The token format itself carries no nonce, so a scanned signature
// is marked consumed in Redis for the remainder of its validity window.
package replay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard marks token signatures consumed with a TTL.
type Guard struct {
	client *redis.Client
	prefix string
}

// NewGuard creates a guard. prefix defaults to "checkin:consumed:".
func NewGuard(client *redis.Client, prefix string) *Guard {
	if prefix == "" {
		prefix = "checkin:consumed:"
	}
	return &Guard{client: client, prefix: prefix}
}

// Consume atomically marks a signature consumed until expiry. Returns false
// when the signature was already consumed (a replayed token). The key
// expires with the token, so the set never grows beyond live tokens.
func (g *Guard) Consume(ctx context.Context, signature string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return g.client.SetNX(ctx, g.prefix+signature, 1, ttl).Result()
}
