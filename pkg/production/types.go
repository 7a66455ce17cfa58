// Package production tracks manufacturing batches, raw-material consumption,
// finished-goods output and repackaging for a food-production operation.
package production

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unit is the unit a quantity was entered or displayed in
// 数量の入力・表示単位
type Unit string

const (
	UnitMass  Unit = "kg"  // 質量（正準単位）
	UnitCount Unit = "pcs" // 個数
)

// BatchKind distinguishes ordinary production runs from repackaging jobs
// 通常製造と小分け（リパック）を区別
type BatchKind string

const (
	BatchKindProduction  BatchKind = "production"
	BatchKindRepackaging BatchKind = "repackaging"
)

// BatchState is the lifecycle state of a batch
// バッチのライフサイクル状態
type BatchState string

const (
	BatchStatePlanned               BatchState = "planned"                 // 計画済み
	BatchStateInProduction          BatchState = "in_production"           // 製造中
	BatchStateRepackagingInProgress BatchState = "repackaging_in_progress" // 小分け中
	BatchStateAwaitingPrint         BatchState = "awaiting_print"          // 印刷待ち
	BatchStateCompleted             BatchState = "completed"               // 完了
	BatchStateCancelled             BatchState = "cancelled"               // 取消
	BatchStateReturnedToProduction  BatchState = "returned_to_production"  // 製造差し戻し
)

// IsTerminal reports whether no further transition is possible
func (s BatchState) IsTerminal() bool {
	return s == BatchStateCompleted || s == BatchStateCancelled
}

// Batch represents one tracked production run of a single product
// 単一製品の製造ロットを表現
type Batch struct {
	ID             string           `json:"id" db:"id"`                           // バッチID
	ProductID      string           `json:"product_id" db:"product_id"`           // 製品ID
	Kind           BatchKind        `json:"kind" db:"kind"`                       // 種別
	State          BatchState       `json:"state" db:"state"`                     // 状態
	PlannedKg      decimal.Decimal  `json:"planned_kg" db:"planned_kg"`           // 計画数量(kg)
	ActualKg       decimal.Decimal  `json:"actual_kg" db:"actual_kg"`             // 実績数量(kg)
	ProductionDate time.Time        `json:"production_date" db:"production_date"` // 製造日
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`           // 作成日時
	StartedAt      *time.Time       `json:"started_at" db:"started_at"`           // 開始日時
	FinishedAt     *time.Time       `json:"finished_at" db:"finished_at"`         // 終了日時
	TotalRawCost   decimal.Decimal  `json:"total_raw_cost" db:"total_raw_cost"`   // 原材料費合計
	UnitCost       decimal.Decimal  `json:"unit_cost" db:"unit_cost"`             // kg当たり原価
	Note           string           `json:"note" db:"note"`                       // 備考
	Worker         string           `json:"worker" db:"worker"`                   // 作業者
	FromSchedule   bool             `json:"from_schedule" db:"from_schedule"`     // 計画パイプライン由来
	Repackaging    *RepackagingMeta `json:"repackaging,omitempty" db:"-"`         // 小分けメタデータ
}

// AppendNote appends an audit line to the batch note
// 監査用の行を備考に追記
func (b *Batch) AppendNote(line string) {
	if b.Note == "" {
		b.Note = line
		return
	}
	b.Note = b.Note + "\n" + line
}

// RepackagingMeta holds the structured metadata of a repackaging job
// 小分けジョブのメタデータ
type RepackagingMeta struct {
	SourceProductID string          `json:"source_product_id"` // 元製品（バルク）
	TargetProductID string          `json:"target_product_id"` // 先製品（包装品）
	PlannedPieces   decimal.Decimal `json:"planned_pieces"`    // 計画個数
	ReservedKg      decimal.Decimal `json:"reserved_kg"`       // 引当済み数量(kg)
	RequestedUnit   Unit            `json:"requested_unit"`    // 依頼単位
	OrderRef        string          `json:"order_ref"`         // 受注参照
}

// IngredientLine is one raw material consumed by a batch
// バッチが消費した原材料の明細
type IngredientLine struct {
	BatchID    string          `json:"batch_id" db:"batch_id"`
	Material   string          `json:"material" db:"material"`
	QuantityKg decimal.Decimal `json:"quantity_kg" db:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"` // 消費時点の単価
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// IngredientInput is a requested consumption of a raw material
type IngredientInput struct {
	Material   string          `json:"material"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
}

// RawMaterial is the on-hand balance of one raw material; may be negative
// 原材料在庫（負の値を許容）
type RawMaterial struct {
	Name       string          `json:"name" db:"name"`
	QuantityKg decimal.Decimal `json:"quantity_kg" db:"quantity_kg"`
	LastPrice  decimal.Decimal `json:"last_price" db:"last_price"` // 最終仕入単価(kg当たり)
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// FinishedGood is a sellable product; stock is always stored in kg
// 製品在庫（数量は常にkgで保持）
type FinishedGood struct {
	ProductID      string              `json:"product_id" db:"product_id"`
	Name           string              `json:"name" db:"name"`
	Category       string              `json:"category" db:"category"`
	DisplayUnit    Unit                `json:"display_unit" db:"display_unit"`
	PackageWeightG decimal.NullDecimal `json:"package_weight_g" db:"package_weight_g"`
	QuantityKg     decimal.Decimal     `json:"quantity_kg" db:"quantity_kg"`
	AvgCost        decimal.NullDecimal `json:"avg_cost" db:"avg_cost"` // kg当たり加重平均原価（未定義はnull）
	RepackSourceID string              `json:"repack_source_id" db:"repack_source_id"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// packageWeight returns the configured package weight or zero
func (g *FinishedGood) packageWeight() decimal.Decimal {
	if !g.PackageWeightG.Valid {
		return decimal.Zero
	}
	return g.PackageWeightG.Decimal
}

// Reception is an appended record of output accepted against a batch
// バッチに対する受入記録（追記専用）
type Reception struct {
	ID           string          `json:"id" db:"id"`
	BatchID      string          `json:"batch_id" db:"batch_id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	Unit         Unit            `json:"unit" db:"unit"`
	Value        decimal.Decimal `json:"value" db:"value"`             // 入力値
	QuantityKg   decimal.Decimal `json:"quantity_kg" db:"quantity_kg"` // 換算後(kg)
	Acceptor     string          `json:"acceptor" db:"acceptor"`
	Note         string          `json:"note" db:"note"`
	Date         time.Time       `json:"date" db:"date"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	Deleted      bool            `json:"deleted" db:"deleted"`
	DeletedAt    *time.Time      `json:"deleted_at" db:"deleted_at"`
	DeletedBy    string          `json:"deleted_by" db:"deleted_by"`
	DeleteReason string          `json:"delete_reason" db:"delete_reason"`
}

// SnapshotStatus is the status of an inventory snapshot
type SnapshotStatus string

const (
	SnapshotStatusDraft     SnapshotStatus = "DRAFT"
	SnapshotStatusCompleted SnapshotStatus = "COMPLETED"
)

// Snapshot is the header of a physical inventory count
// 棚卸ヘッダ
type Snapshot struct {
	ID          string         `json:"id" db:"id"`
	Date        time.Time      `json:"date" db:"date"`
	Operator    string         `json:"operator" db:"operator"`
	Status      SnapshotStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	CompletedAt *time.Time     `json:"completed_at" db:"completed_at"`
	Lines       []SnapshotLine `json:"lines,omitempty" db:"-"`
}

// SnapshotLine is the counted result for one product
// 棚卸明細
type SnapshotLine struct {
	SnapshotID   string          `json:"snapshot_id" db:"snapshot_id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	Category     string          `json:"category" db:"category"`
	CountedUnit  Unit            `json:"counted_unit" db:"counted_unit"`
	CountedValue decimal.Decimal `json:"counted_value" db:"counted_value"`
	SystemKg     decimal.Decimal `json:"system_kg" db:"system_kg"`
	PhysicalKg   decimal.Decimal `json:"physical_kg" db:"physical_kg"`
	DeltaKg      decimal.Decimal `json:"delta_kg" db:"delta_kg"`
	Value        decimal.Decimal `json:"value" db:"value"`       // 差異金額
	AvgCost      decimal.Decimal `json:"avg_cost" db:"avg_cost"` // 評価に用いた平均原価
	CountedBy    string          `json:"counted_by" db:"counted_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// CountItem is one physical count supplied to a reconciliation
type CountItem struct {
	ProductID string           `json:"product_id"`
	Unit      Unit             `json:"unit"`
	Value     *decimal.Decimal `json:"value"` // nilは未計数
}

// BatchFilter narrows batch listings
type BatchFilter struct {
	Date      *time.Time
	State     BatchState
	ProductID string
	Kind      BatchKind
}

// DemandLine is one row of repackaging demand supplied by order intake
// 受注側から渡される小分け需要
type DemandLine struct {
	OrderNumber     string          `json:"order_number"`
	Customer        string          `json:"customer"`
	DueDate         time.Time       `json:"due_date"`
	ProductName     string          `json:"product_name"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            Unit            `json:"unit"`
	TargetProductID string          `json:"target_product_id"`
	SourceProductID string          `json:"source_product_id"`
}

// RepackagingProposal aggregates demand for one target product
type RepackagingProposal struct {
	TargetProductID string          `json:"target_product_id"`
	SourceProductID string          `json:"source_product_id"`
	Pieces          decimal.Decimal `json:"pieces"`
	RequiredKg      decimal.Decimal `json:"required_kg"`
	EarliestDue     time.Time       `json:"earliest_due"`
	Orders          []string        `json:"orders"`
}

// BacklogEntry is a negative balance in one of the stores
// 負在庫（書類遅れ）のシグナル
type BacklogEntry struct {
	Store      StockStore      `json:"store" db:"store"`
	Key        string          `json:"key" db:"stock_key"`
	QuantityKg decimal.Decimal `json:"quantity_kg" db:"quantity_kg"`
}

// OutputSummary is the accepted output of a batch in both units
type OutputSummary struct {
	BatchID        string          `json:"batch_id"`
	ProductID      string          `json:"product_id"`
	QuantityKg     decimal.Decimal `json:"quantity_kg"`
	ExpectedPieces decimal.Decimal `json:"expected_pieces"` // 包装重量未設定時はゼロ
	DisplayUnit    Unit            `json:"display_unit"`
}

// NewRecordID generates an id for receptions, snapshots and events
// 受入・棚卸・イベント用のIDを生成
func NewRecordID() string {
	return uuid.New().String()
}

// dateOnly truncates a timestamp to its calendar day in UTC
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
