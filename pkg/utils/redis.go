package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client shared by the change feed and the
// placement cap.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// CommandTimeout bounds placement cap scripts and PUBLISH. The dial path
	// proceeds without the cap when redis is slow, so keep it short.
	CommandTimeout time.Duration
	// PoolSize must leave room for one connection per open feed subscription.
	PoolSize    int
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 500 * time.Millisecond
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 50
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

// OpenRedis connects and PINGs once so a misconfigured address fails at startup.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.PingTimeout,
		ReadTimeout:     cfg.CommandTimeout,
		WriteTimeout:    cfg.CommandTimeout,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// takeSlot increments the organization's placement counter unless it is at
// the limit. The TTL is refreshed on every take so a counter leaked by a
// crashed process expires one ring timeout after the last placement.
var takeSlot = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var returnSlot = redis.NewScript(`
if redis.call('DECR', KEYS[1]) <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// PlacementCap bounds how many calls an organization may have in placement at
// once across every API process. A slot is held from claim until the gateway
// accepts or refuses the call.
type PlacementCap struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
}

func NewPlacementCap(rdb redis.Scripter, limit int, ttl time.Duration) (*PlacementCap, error) {
	if rdb == nil {
		return nil, errors.New("placement cap: redis client is nil")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("placement cap: limit must be > 0, got %d", limit)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("placement cap: ttl must be > 0, got %s", ttl)
	}
	return &PlacementCap{rdb: rdb, limit: limit, ttl: ttl}, nil
}

func placementKey(orgID string) string {
	return "dialer:placements:" + orgID
}

// Acquire takes a slot for orgID; false means the organization is at its cap.
func (c *PlacementCap) Acquire(ctx context.Context, orgID string) (bool, error) {
	res, err := takeSlot.Run(ctx, c.rdb, []string{placementKey(orgID)}, c.limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("placement cap: acquire: %w", err)
	}
	return res == 1, nil
}

// Release returns a slot taken by Acquire.
func (c *PlacementCap) Release(ctx context.Context, orgID string) error {
	if err := returnSlot.Run(ctx, c.rdb, []string{placementKey(orgID)}).Err(); err != nil {
		return fmt.Errorf("placement cap: release: %w", err)
	}
	return nil
}
