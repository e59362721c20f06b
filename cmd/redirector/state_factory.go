package main

import "github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"

// newSessionStore creates the in-memory session table, optionally wrapped
// with the Redis mirror when a redis address is configured.
func newSessionStore(redisAddr, redisPassword string, redisDB int) (SessionStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis-mirrored", "addr": redisAddr})
	return newRedisStore(redisAddr, redisPassword, redisDB)
}
