// Package redisstore keeps short lived auth state and account locks in Redis
// so several mailsync processes can share them.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-mailsync/core"
)

const keyPrefix = "mailsync"

// NewClient connects and pings Redis using the redis section of the config.
func NewClient(ctx context.Context, cfg core.RedisConfig) (*redis.Client, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		address = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connect %s: %w", address, err)
	}
	return client, nil
}

func key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}
