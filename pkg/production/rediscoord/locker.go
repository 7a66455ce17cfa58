package rediscoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

// Locker implements production.Locker with redislock
// redislockによるプロセス間ロック
type Locker struct {
	client *redislock.Client
	logger *zap.Logger
}

// NewLocker creates a locker on an existing Redis client
// 既存のRedisクライアント上にロックを作成
func NewLocker(client redis.UniversalClient, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: redislock.New(client), logger: logger}
}

// Obtain takes key for ttl without retrying. A held lock yields production.ErrLockNotObtained.
// ロックを取得（保持中ならErrLockNotObtained）
func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, production.ErrLockNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("ロック取得に失敗しました (%s): %w", key, err)
	}

	release := func() {
		// 呼び出し元のコンテキストが終了していても解放する
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("ロック解放に失敗しました", zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}
