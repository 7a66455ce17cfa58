// Package rediscoord carries production events and cross-process locks over Redis
// Redisを介した製造イベント配信とプロセス間ロック
package rediscoord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection
// Redis接続設定
type Options struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	ChannelPrefix string
}

// NewClient connects to Redis and verifies the connection
// Redisに接続し疎通を確認
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis接続に失敗しました (%s): %w", opts.Addr, err)
	}
	return client, nil
}
