package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Storage defines the interface for the data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// WithTx runs fn inside one transaction; any error rolls everything back
	// fnが返すエラーはすべてロールバックされる
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Batch queries
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	ListIngredientLines(ctx context.Context, batchID string) ([]IngredientLine, error)

	// Stock queries
	GetRawMaterial(ctx context.Context, name string) (*RawMaterial, error)
	ListRawMaterials(ctx context.Context) ([]RawMaterial, error)
	GetFinishedGood(ctx context.Context, productID string) (*FinishedGood, error)
	ListFinishedGoods(ctx context.Context, category string) ([]FinishedGood, error)
	ListNegativeBalances(ctx context.Context) ([]BacklogEntry, error)

	// Reception ledger
	ListReceptions(ctx context.Context, batchID string, includeDeleted bool) ([]Reception, error)
	ListReceptionsByDate(ctx context.Context, date time.Time) ([]Reception, error)

	// Inventory snapshots
	GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	ListSnapshotLines(ctx context.Context, snapshotID string) ([]SnapshotLine, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of locking reads and writes available inside a transaction.
// Lock* methods take exclusive row locks held until commit.
// トランザクション内の排他読込と書込
type Tx interface {
	// Raw materials; missing names are created at zero before locking
	LockRawMaterials(ctx context.Context, names []string) (map[string]*RawMaterial, error)
	UpdateRawMaterial(ctx context.Context, m *RawMaterial) error

	// Finished goods; unknown products yield ErrProductNotFound
	LockFinishedGoods(ctx context.Context, productIDs []string) (map[string]*FinishedGood, error)
	UpdateFinishedGood(ctx context.Context, g *FinishedGood) error

	// Batches; InsertBatch returns ErrDuplicateBatchID without aborting the transaction
	InsertBatch(ctx context.Context, b *Batch) error
	LockBatch(ctx context.Context, batchID string) (*Batch, error)
	LockBatchesByDateAndState(ctx context.Context, date time.Time, state BatchState) ([]Batch, error)
	UpdateBatch(ctx context.Context, b *Batch) error

	// Ingredient lines
	IngredientLines(ctx context.Context, batchID string) ([]IngredientLine, error)
	InsertIngredientLines(ctx context.Context, lines []IngredientLine) error
	DeleteIngredientLines(ctx context.Context, batchID string) error

	// Reception ledger
	InsertReception(ctx context.Context, r *Reception) error
	LockLatestReception(ctx context.Context, batchID string) (*Reception, error)
	MarkReceptionDeleted(ctx context.Context, r *Reception) error
	SumReceptions(ctx context.Context, batchID string) (decimal.Decimal, error)
	CountReceptions(ctx context.Context, batchID string, includeDeleted bool) (int, error)

	// Inventory snapshots; InsertSnapshot returns ErrDraftSnapshotExists without
	// aborting the transaction when another draft is already open
	LockDraftSnapshot(ctx context.Context) (*Snapshot, error)
	LockSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	UpdateSnapshot(ctx context.Context, s *Snapshot) error
	SnapshotLine(ctx context.Context, snapshotID, productID string) (*SnapshotLine, error)
	ReplaceSnapshotLine(ctx context.Context, line *SnapshotLine) error
}

// EventPublisher defines interface for publishing production events
// 製造イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishBatchEvent(ctx context.Context, event BatchEvent) error
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
}

// Metrics receives operational counters; implementations must be safe for concurrent use
// 運用メトリクスの受け口
type Metrics interface {
	ObserveAdjustment(store StockStore, deltaKg float64)
	ObserveTransition(state BatchState)
	ObserveReception(action string)
	ObserveVariance(value float64)
	SetBacklog(store StockStore, entries int)
}

// Locker obtains a cross-process lock; release must be called once
// プロセス間ロックの取得
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Events for production operations
// 製造操作のイベント定義

// BatchEvent represents a batch lifecycle change
// バッチ状態変更イベントを表現
type BatchEvent struct {
	ID         string     `json:"id" msgpack:"id"`
	Type       string     `json:"type" msgpack:"type"`
	BatchID    string     `json:"batch_id" msgpack:"batch_id"`
	ProductID  string     `json:"product_id" msgpack:"product_id"`
	Kind       BatchKind  `json:"kind" msgpack:"kind"`
	State      BatchState `json:"state" msgpack:"state"`
	QuantityKg string     `json:"quantity_kg" msgpack:"quantity_kg"`
	Reason     string     `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp" msgpack:"timestamp"`
	UserID     string     `json:"user_id" msgpack:"user_id"`
}

// StockChangedEvent represents a stock level change
// 在庫レベル変更イベントを表現
type StockChangedEvent struct {
	ID          string     `json:"id" msgpack:"id"`
	Store       StockStore `json:"store" msgpack:"store"`
	Key         string     `json:"key" msgpack:"key"`
	OldQuantity string     `json:"old_quantity" msgpack:"old_quantity"`
	NewQuantity string     `json:"new_quantity" msgpack:"new_quantity"`
	ChangeType  string     `json:"change_type" msgpack:"change_type"`
	Reference   string     `json:"reference" msgpack:"reference"`
	Timestamp   time.Time  `json:"timestamp" msgpack:"timestamp"`
	UserID      string     `json:"user_id" msgpack:"user_id"`
}

// Event type names
const (
	EventBatchCreated        = "batch_created"
	EventBatchPlanned        = "batch_planned"
	EventBatchStarted        = "batch_started"
	EventBatchAmended        = "batch_amended"
	EventBatchCancelled      = "batch_cancelled"
	EventBatchRejected       = "batch_rejected"
	EventReceptionAccepted   = "reception_accepted"
	EventReceptionReversed   = "reception_reversed"
	EventBatchCompleted      = "batch_completed"
	EventRepackagingStarted  = "repackaging_started"
	EventRepackagingFinished = "repackaging_finished"
	EventRepackagingCanceled = "repackaging_cancelled"
)
