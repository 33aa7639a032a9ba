package callstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// LimitClass separates counters by identity kind.
type LimitClass string

const (
	ClassUser  LimitClass = "user"
	ClassPhone LimitClass = "phone"
)

type Limit struct {
	Max    int64
	Window time.Duration
}

func DefaultLimits() map[LimitClass]Limit {
	return map[LimitClass]Limit{
		ClassUser:  {Max: 10, Window: 60 * time.Second},
		ClassPhone: {Max: 5, Window: 60 * time.Second},
	}
}

// incrScript counts one hit and starts the window when the counter has no
// expiry, which also repairs a counter that lost its TTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Allow counts one admission for identity in the current fixed window.
// The window starts on the first increment; the expiry is never extended by later ones.
// Returns the count so far and ErrRateLimitExceeded once it passes the class maximum.
func (s *Store) Allow(ctx context.Context, class LimitClass, identity string) (int64, error) {
	l, ok := s.limits[class]
	if !ok {
		return 0, fmt.Errorf("unknown limit class %q", class)
	}
	key := s.limitKey(class, identity)
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, l.Window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if n > l.Max {
		return n, ErrRateLimitExceeded
	}
	return n, nil
}
