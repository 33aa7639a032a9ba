package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callbridge/agent/internal/types"
)

var ErrSessionNotFound = errors.New("session not found")

func (s *Store) CreateSession(ctx context.Context, owner string, data map[string]string) (types.WebSession, error) {
	now := s.now()
	ws := types.WebSession{
		ID:           uuid.NewString(),
		Owner:        owner,
		Data:         data,
		CreatedAt:    now,
		LastActivity: now,
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return types.WebSession{}, err
	}
	if err := s.rdb.Set(ctx, s.sessionKey(ws.ID), b, s.sessionTTL).Err(); err != nil {
		return types.WebSession{}, fmt.Errorf("create session: %w", err)
	}
	return ws, nil
}

// GetSession loads a web session and slides its TTL.
func (s *Store) GetSession(ctx context.Context, id string) (types.WebSession, error) {
	key := s.sessionKey(id)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.WebSession{}, ErrSessionNotFound
	}
	if err != nil {
		return types.WebSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var ws types.WebSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return types.WebSession{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	ws.LastActivity = s.now()
	b, _ := json.Marshal(ws)
	if err := s.rdb.Set(ctx, key, b, s.sessionTTL).Err(); err != nil {
		return ws, fmt.Errorf("refresh session %s: %w", id, err)
	}
	return ws, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
