package rediscoord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

const defaultPrefix = "production"

// Publisher implements production.EventPublisher with Redis PUBLISH.
// Payloads are msgpack-encoded events.
// Redis PUBLISHによるイベント発行（msgpackエンコード）
type Publisher struct {
	client redis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a publisher writing to <prefix>:batch and <prefix>:stock
// 新しいイベント発行者を作成
func NewPublisher(client redis.Cmdable, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// BatchChannel returns the channel batch events are published to
func (p *Publisher) BatchChannel() string {
	return p.prefix + ":batch"
}

// StockChannel returns the channel stock changes are published to
func (p *Publisher) StockChannel() string {
	return p.prefix + ":stock"
}

// PublishBatchEvent publishes a batch lifecycle event
// バッチイベントを発行
func (p *Publisher) PublishBatchEvent(ctx context.Context, event production.BatchEvent) error {
	payload, err := msgpack.Marshal(&event)
	if err != nil {
		return fmt.Errorf("バッチイベントのエンコードに失敗しました: %w", err)
	}
	if err := p.client.Publish(ctx, p.BatchChannel(), payload).Err(); err != nil {
		return fmt.Errorf("バッチイベントの発行に失敗しました: %w", err)
	}

	p.logger.Debug("バッチイベント発行",
		zap.String("channel", p.BatchChannel()),
		zap.String("type", event.Type),
		zap.String("batch_id", event.BatchID),
	)
	return nil
}

// PublishStockChanged publishes a stock level change
// 在庫変更イベントを発行
func (p *Publisher) PublishStockChanged(ctx context.Context, event production.StockChangedEvent) error {
	payload, err := msgpack.Marshal(&event)
	if err != nil {
		return fmt.Errorf("在庫変更イベントのエンコードに失敗しました: %w", err)
	}
	if err := p.client.Publish(ctx, p.StockChannel(), payload).Err(); err != nil {
		return fmt.Errorf("在庫変更イベントの発行に失敗しました: %w", err)
	}
	return nil
}

// DecodeBatchEvent decodes a payload received on the batch channel
// バッチチャネルのペイロードをデコード
func DecodeBatchEvent(payload []byte) (production.BatchEvent, error) {
	var event production.BatchEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return production.BatchEvent{}, fmt.Errorf("バッチイベントのデコードに失敗しました: %w", err)
	}
	return event, nil
}

// DecodeStockChanged decodes a payload received on the stock channel
// 在庫チャネルのペイロードをデコード
func DecodeStockChanged(payload []byte) (production.StockChangedEvent, error) {
	var event production.StockChangedEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return production.StockChangedEvent{}, fmt.Errorf("在庫変更イベントのデコードに失敗しました: %w", err)
	}
	return event, nil
}
