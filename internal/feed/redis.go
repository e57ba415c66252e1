package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis fans events out over PUBLISH/SUBSCRIBE, one channel per organization.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) channel(orgID string) string {
	return r.prefix + ":" + orgID
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.OrganizationID == "" {
		return fmt.Errorf("feed: organization_id required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(ev.OrganizationID), payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, orgID string) (<-chan Event, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(orgID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("feed: dropping malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}
