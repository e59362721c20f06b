package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/redis/go-redis/v9"
)

// sessionData is the JSON form mirrored to Redis (sans the socket).
type sessionData struct {
	ID      string    `json:"id"`
	Port    uint16    `json:"port"`
	Created time.Time `json:"created"`
}

// redisStore mirrors session-table mutations into Redis for external ops
// tooling. The in-memory table stays authoritative; mirror failures are
// logged and never reach the protocol path.
type redisStore struct {
	*memoryStore
	client *redis.Client
	keyTTL time.Duration
	opTime time.Duration
}

func newRedisStore(addr, password string, db int) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		memoryStore: newMemoryStore(),
		client:      rdb,
		keyTTL:      time.Hour,
		opTime:      2 * time.Second,
	}, nil
}

var _ SessionStore = (*redisStore)(nil)

func (r *redisStore) mirrorCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTime)
}

func (r *redisStore) publish(s *session) {
	data, err := json.Marshal(sessionData{ID: s.id, Port: s.port, Created: s.created})
	if err != nil {
		return
	}
	ctx, cancel := r.mirrorCtx()
	defer cancel()
	if err := r.client.Set(ctx, "tunnel:session:"+s.id, data, r.keyTTL).Err(); err != nil {
		obs.Warn("redis.mirror.set", obs.Fields{"err": err.Error(), "id": s.id})
	}
}

func (r *redisStore) retract(ids ...string) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "tunnel:session:" + id
	}
	ctx, cancel := r.mirrorCtx()
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		obs.Warn("redis.mirror.del", obs.Fields{"err": err.Error()})
	}
}

func (r *redisStore) add(s *session) error {
	if err := r.memoryStore.add(s); err != nil {
		return err
	}
	r.publish(s)
	ctx, cancel := r.mirrorCtx()
	defer cancel()
	if err := r.client.Incr(ctx, "tunnel:sessions_total").Err(); err != nil {
		obs.Warn("redis.mirror.incr", obs.Fields{"err": err.Error()})
	}
	return nil
}

func (r *redisStore) remove(id string) *session {
	s := r.memoryStore.remove(id)
	if s != nil {
		r.retract(id)
	}
	return s
}

func (r *redisStore) expireIdle(maxAge time.Duration) []*session {
	expired := r.memoryStore.expireIdle(maxAge)
	ids := make([]string, len(expired))
	for i, s := range expired {
		ids[i] = s.id
	}
	r.retract(ids...)
	return expired
}

func (r *redisStore) removeAll() []*session {
	all := r.memoryStore.removeAll()
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	r.retract(ids...)
	return all
}
