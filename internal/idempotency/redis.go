package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRetention is how long processed keys are kept. Providers stop
// retrying callbacks within days and the poller stops once a transaction
// leaves PENDING, so no duplicate can arrive after a key expires.
const DefaultRedisRetention = 30 * 24 * time.Hour

// RedisLedger stores processed events as SET NX keys that expire after the
// retention period. Within that period it is append-only like every ledger.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisLedger creates a ledger on client. Keys are namespaced under
// "escrow:events:".
func NewRedisLedger(client redis.UniversalClient, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = DefaultRedisRetention
	}
	return &RedisLedger{client: client, prefix: "escrow:events:", retention: retention, now: time.Now}
}

func (l *RedisLedger) key(providerReference, eventType string) string {
	return l.prefix + eventType + ":" + providerReference
}

func (l *RedisLedger) Claim(ctx context.Context, providerReference, eventType string) (bool, error) {
	if err := validKey(providerReference, eventType); err != nil {
		return false, err
	}
	stamp := l.now().UTC().Format(time.RFC3339Nano)
	return l.client.SetNX(ctx, l.key(providerReference, eventType), stamp, l.retention).Result()
}

func (l *RedisLedger) Release(ctx context.Context, providerReference, eventType string) error {
	return l.client.Del(ctx, l.key(providerReference, eventType)).Err()
}

func (l *RedisLedger) Seen(ctx context.Context, providerReference, eventType string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(providerReference, eventType)).Result()
	return n == 1, err
}

var _ Ledger = (*RedisLedger)(nil)
