package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds configuration for the production core
// 製造コアの設定を保持
type Config struct {
	BatchIDAttempts   int           `yaml:"batch_id_attempts"`  // ID衝突時の再試行回数
	RepackagingPrefix string        `yaml:"repackaging_prefix"` // 小分けバッチIDの接頭辞
	DayCloseLockTTL   time.Duration `yaml:"day_close_lock_ttl"` // 日締めロックの有効期間
	DefaultWorker     string        `yaml:"default_worker"`     // 作業者未指定時の名前
}

// DefaultConfig returns the configuration used when none is supplied
// 設定未指定時のデフォルト
func DefaultConfig() *Config {
	return &Config{
		BatchIDAttempts:   5,
		RepackagingPrefix: "RP",
		DayCloseLockTTL:   time.Minute,
		DefaultWorker:     "system",
	}
}

// Service wires every production component over one storage
// すべての製造コンポーネントを束ねるファサード
type Service struct {
	Ledger         *Ledger
	Costs          *CostAccountant
	Batches        *BatchRegistry
	Receiving      *ReceivingWorkflow
	Repackaging    *RepackagingCoordinator
	Reconciliation *Reconciliation

	core *core
}

// Option customizes a Service
type Option func(*core)

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(c *core) { c.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *core) { c.metrics = m }
}

// WithLocker sets the cross-process lock used by day close
func WithLocker(l Locker) Option {
	return func(c *core) { c.locker = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *core) { c.now = now }
}

// NewService creates a new production service
// 新しい製造サービスを作成
func NewService(storage Storage, logger *zap.Logger, config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &core{
		storage: storage,
		logger:  logger,
		config:  config,
		now:     time.Now,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ids = NewBatchIDGenerator(c.now)
	ledger := &Ledger{core: c}
	costs := &CostAccountant{core: c}

	return &Service{
		Ledger:         ledger,
		Costs:          costs,
		Batches:        &BatchRegistry{core: c, ledger: ledger, costs: costs},
		Receiving:      &ReceivingWorkflow{core: c, ledger: ledger, costs: costs},
		Repackaging:    &RepackagingCoordinator{core: c, ledger: ledger, costs: costs},
		Reconciliation: &Reconciliation{core: c, ledger: ledger},
		core:           c,
	}
}

// Ping checks storage connectivity
func (s *Service) Ping(ctx context.Context) error {
	return s.core.storage.Ping(ctx)
}

// core carries the dependencies shared by every component
type core struct {
	storage   Storage
	publisher EventPublisher
	metrics   Metrics
	locker    Locker
	ids       *BatchIDGenerator
	logger    *zap.Logger
	config    *Config
	now       func() time.Time
}

type userKey struct{}

// WithUser stores the acting user in the context
// コンテキストに操作ユーザーを設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// worker picks the explicit worker, then the context user, then the configured default
// 作業者を決定（明示指定 > コンテキスト > デフォルト）
func (c *core) worker(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if userID, ok := ctx.Value(userKey{}).(string); ok && userID != "" {
		return userID
	}
	return c.config.DefaultWorker
}

// changeSet collects what a transaction did so it can be reported after commit
// コミット後に通知する変更内容を収集
type changeSet struct {
	user        string
	stock       []StockChangedEvent
	batches     []BatchEvent
	adjustments []adjustment
	transitions []BatchState
	receptions  []string
}

type adjustment struct {
	store StockStore
	delta float64
}

func newChangeSet(user string) *changeSet {
	return &changeSet{user: user}
}

func (cs *changeSet) stockChanged(store StockStore, key string, oldQty, newQty decimal.Decimal, changeType, reference string, at time.Time) {
	cs.stock = append(cs.stock, StockChangedEvent{
		ID:          NewRecordID(),
		Store:       store,
		Key:         key,
		OldQuantity: oldQty.String(),
		NewQuantity: newQty.String(),
		ChangeType:  changeType,
		Reference:   reference,
		Timestamp:   at,
		UserID:      cs.user,
	})
	delta, _ := newQty.Sub(oldQty).Float64()
	cs.adjustments = append(cs.adjustments, adjustment{store: store, delta: delta})
}

func (cs *changeSet) batchChanged(eventType string, b *Batch, quantityKg decimal.Decimal, reason string, at time.Time) {
	cs.batches = append(cs.batches, BatchEvent{
		ID:         NewRecordID(),
		Type:       eventType,
		BatchID:    b.ID,
		ProductID:  b.ProductID,
		Kind:       b.Kind,
		State:      b.State,
		QuantityKg: quantityKg.String(),
		Reason:     reason,
		Timestamp:  at,
		UserID:     cs.user,
	})
}

func (cs *changeSet) transition(state BatchState) {
	cs.transitions = append(cs.transitions, state)
}

// emit records metrics and publishes events once the transaction has committed.
// Publish failures are logged and never fail the operation.
// コミット後にメトリクス記録とイベント発行を行う（発行失敗はログのみ）
func (c *core) emit(ctx context.Context, cs *changeSet) {
	for _, a := range cs.adjustments {
		c.metrics.ObserveAdjustment(a.store, a.delta)
	}
	for _, s := range cs.transitions {
		c.metrics.ObserveTransition(s)
	}
	for _, action := range cs.receptions {
		c.metrics.ObserveReception(action)
	}

	if c.publisher == nil {
		return
	}
	for _, event := range cs.stock {
		if err := c.publisher.PublishStockChanged(ctx, event); err != nil {
			c.logger.Error("在庫変更イベント発行に失敗しました",
				zap.String("store", string(event.Store)),
				zap.String("key", event.Key),
				zap.Error(err),
			)
		}
	}
	for _, event := range cs.batches {
		if err := c.publisher.PublishBatchEvent(ctx, event); err != nil {
			c.logger.Error("バッチイベント発行に失敗しました",
				zap.String("batch_id", event.BatchID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
		}
	}
}

// noopMetrics is used when no metrics sink is configured
type noopMetrics struct{}

func (noopMetrics) ObserveAdjustment(StockStore, float64) {}
func (noopMetrics) ObserveTransition(BatchState)          {}
func (noopMetrics) ObserveReception(string)               {}
func (noopMetrics) ObserveVariance(float64)               {}
func (noopMetrics) SetBacklog(StockStore, int)            {}
