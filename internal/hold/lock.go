package hold

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when another process keeps the lock past the wait budget.
var ErrLockBusy = errors.New("offer lock busy")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLock is a single-instance lease lock used to serialize offers of one slot across
// processes sharing the database.
type RedisLock struct {
	client   redis.UniversalClient
	ttl      time.Duration
	wait     time.Duration
	newToken func() string
}

func NewRedisLock(client redis.UniversalClient, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl, wait: ttl, newToken: uuid.NewString}
}

// Acquire takes the lock for key, polling until the wait budget runs out.
func (l *RedisLock) Acquire(ctx context.Context, key string) (release func(), err error) {
	token := l.newToken()
	key = "tablequeue:lock:" + key
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Background context: release must run even if ctx was cancelled.
				_ = l.client.Eval(context.Background(), releaseScript, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
