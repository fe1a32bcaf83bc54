package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the client used for the scan queue and the live-roster cache.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects with timeouts short enough that a dead Redis degrades
// kiosk requests instead of hanging them.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MinIdleConns: 2,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// RosterKey names the per-session hash holding the live roster. The worker
// writes it on every scan event and kiosks read it when polling.
func RosterKey(sessionID int64) string {
	return fmt.Sprintf("roster:%d", sessionID)
}
