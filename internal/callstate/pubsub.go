package callstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge/agent/internal/types"
)

// PublishAlert fans an alert out to whoever is subscribed right now. Nothing is
// stored; the return value is the number of receivers at publish time.
func (s *Store) PublishAlert(ctx context.Context, evt types.AlertEvent) (int64, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}
	n, err := s.rdb.Publish(ctx, s.alertChannel(), b).Result()
	if err != nil {
		return 0, fmt.Errorf("publish alert %s: %w", evt.CallID, err)
	}
	return n, nil
}

type AlertSubscription struct {
	ps *redis.PubSub
	C  <-chan types.AlertEvent
}

func (a *AlertSubscription) Close() error { return a.ps.Close() }

// SubscribeAlerts returns once the subscription is confirmed. C closes when ctx
// ends or Close is called.
func (s *Store) SubscribeAlerts(ctx context.Context) (*AlertSubscription, error) {
	ps := s.rdb.Subscribe(ctx, s.alertChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe alerts: %w", err)
	}
	out := make(chan types.AlertEvent, 16)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var evt types.AlertEvent
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					s.log.Warn("bad alert payload", zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				default:
					// drop if slow consumer
				}
			}
		}
	}()
	return &AlertSubscription{ps: ps, C: out}, nil
}
