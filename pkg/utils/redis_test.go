package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterScripter evaluates the placement cap scripts against an in-memory
// counter map.
type counterScripter struct {
	redis.Scripter
	counts map[string]int
	ttls   map[string]int64
}

func newCounterScripter() *counterScripter {
	return &counterScripter{counts: map[string]int{}, ttls: map[string]int64{}}
}

func (s *counterScripter) eval(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	key := keys[0]
	if len(args) == 2 {
		s.ttls[key] = args[1].(int64)
		if s.counts[key] >= args[0].(int) {
			cmd.SetVal(int64(0))
			return cmd
		}
		s.counts[key]++
		cmd.SetVal(int64(1))
		return cmd
	}
	s.counts[key]--
	if s.counts[key] <= 0 {
		delete(s.counts, key)
	}
	cmd.SetVal(int64(1))
	return cmd
}

func (s *counterScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.eval(ctx, keys, args)
}

func (s *counterScripter) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.eval(ctx, keys, args)
}

func TestNewPlacementCap_RejectsBadArguments(t *testing.T) {
	if _, err := NewPlacementCap(nil, 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewPlacementCap(newCounterScripter(), 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewPlacementCap(newCounterScripter(), 1, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestPlacementCap_LimitsPerOrganization(t *testing.T) {
	ctx := context.Background()
	rdb := newCounterScripter()
	c, err := NewPlacementCap(rdb, 2, 25*time.Second)
	if err != nil {
		t.Fatalf("new cap: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := c.Acquire(ctx, "org-1")
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := c.Acquire(ctx, "org-1"); ok {
		t.Fatalf("third placement should be refused")
	}
	if ok, _ := c.Acquire(ctx, "org-2"); !ok {
		t.Fatalf("another organization has its own cap")
	}
	if got := rdb.ttls["dialer:placements:org-1"]; got != 25000 {
		t.Fatalf("ttl = %d ms, want 25000", got)
	}

	if err := c.Release(ctx, "org-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := c.Acquire(ctx, "org-1"); !ok {
		t.Fatalf("released slot should be available")
	}
}
