package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtlife/pkg/util"
)

// DefaultTTL is how long a mirrored run survives in Redis after its last
// update.
const DefaultTTL = 7 * 24 * time.Hour

// RedisStore keeps run states as Redis hashes so several operators can
// watch one run. Each run is the hash <prefix>run|<id> with fields state,
// status, workflow and updated; the set <prefix>runs indexes them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to addr and selects db.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: "NEWTLIFE|",
		ttl:    DefaultTTL,
	}
}

// Connect tests the connection.
func (r *RedisStore) Connect(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(id string) string { return r.prefix + "run|" + id }
func (r *RedisStore) index() string { return r.prefix + "runs" }

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, s *RunState) error {
	s.Updated = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("runstate: marshal state: %w", err)
	}
	key := r.key(s.ID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(data),
		"status", string(s.Status),
		"workflow", s.Workflow,
		"updated", s.Updated.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, r.index(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runstate: saving %s to redis: %w", s.ID, err)
	}
	return nil
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, id string) (*RunState, error) {
	data, err := r.client.HGet(ctx, r.key(id), "state").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstate: loading %s from redis: %w", id, err)
	}
	var s RunState
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("runstate: parse state %s: %w", id, err)
	}
	return &s, nil
}

// List implements Store. Index entries whose hash has expired are dropped.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: listing runs: %w", err)
	}
	var live []string
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("runstate: listing runs: %w", err)
		}
		if n == 0 {
			r.client.SRem(ctx, r.index(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Mirror saves to a primary store and copies every save to the mirrors.
// Mirror failures are logged, never returned.
type Mirror struct {
	Primary Store
	Mirrors []Store
}

// Save implements Store.
func (m *Mirror) Save(ctx context.Context, s *RunState) error {
	if err := m.Primary.Save(ctx, s); err != nil {
		return err
	}
	for _, st := range m.Mirrors {
		if err := st.Save(ctx, s); err != nil {
			util.Logger.Warnf("mirroring run state: %v", err)
		}
	}
	return nil
}

// Load implements Store.
func (m *Mirror) Load(ctx context.Context, id string) (*RunState, error) {
	return m.Primary.Load(ctx, id)
}

// List implements Store.
func (m *Mirror) List(ctx context.Context) ([]string, error) {
	return m.Primary.List(ctx)
}
