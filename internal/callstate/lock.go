package callstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockContention = errors.New("alert lock held by another owner")

// releaseScript deletes the lock only if it still carries our token, so a
// holder whose lock already expired cannot release somebody else's.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireAlertLock takes the per-call alert lock. The returned token is needed to release it.
func (s *Store) AcquireAlertLock(ctx context.Context, callID string) (string, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.lockKey(callID), token, s.lockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("acquire alert lock %s: %w", callID, err)
	}
	if !ok {
		return "", ErrLockContention
	}
	return token, nil
}

// ReleaseAlertLock drops the lock if token still owns it. An expired lock is not an error.
func (s *Store) ReleaseAlertLock(ctx context.Context, callID, token string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.lockKey(callID)}, token).Err(); err != nil {
		return fmt.Errorf("release alert lock %s: %w", callID, err)
	}
	return nil
}
