package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

const (
	batchColumns = `id, product_id, kind, state, planned_kg, actual_kg, production_date, created_at,
		started_at, finished_at, total_raw_cost, unit_cost, note, worker, from_schedule, repackaging`
	goodColumns = `product_id, name, category, display_unit, package_weight_g, quantity_kg, avg_cost,
		repack_source_id, updated_at`
	rawColumns        = `name, quantity_kg, last_price, updated_at`
	ingredientColumns = `batch_id, material, quantity_kg, unit_price, created_at`
	receptionColumns  = `id, batch_id, product_id, unit, value, quantity_kg, acceptor, note, date, created_at,
		deleted, deleted_at, deleted_by, delete_reason`
	snapshotColumns     = `id, date, operator, status, created_at, completed_at`
	snapshotLineColumns = `snapshot_id, product_id, category, counted_unit, counted_value, system_kg,
		physical_kg, delta_kg, value, avg_cost, counted_by, created_at`
)

// PostgreSQLStorage implements production.Storage using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}, nil
}

// WithTx runs fn inside a transaction and commits when fn returns nil
// トランザクション内でfnを実行し、成功時にコミット
func (s *PostgreSQLStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by id
// IDでバッチを取得
func (s *PostgreSQLStorage) GetBatch(ctx context.Context, batchID string) (*production.Batch, error) {
	return getBatch(ctx, s.db, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID)
}

// ListBatches retrieves batches matching filter
// 条件に一致するバッチ一覧を取得
func (s *PostgreSQLStorage) ListBatches(ctx context.Context, filter production.BatchFilter) ([]production.Batch, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Date != nil {
		add("production_date = $%d", *filter.Date)
	}
	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY production_date DESC, created_at DESC`

	return selectBatches(ctx, s.db, query, args...)
}

// ListIngredientLines retrieves the ingredient lines of a batch
// バッチの原材料明細を取得
func (s *PostgreSQLStorage) ListIngredientLines(ctx context.Context, batchID string) ([]production.IngredientLine, error) {
	var lines []production.IngredientLine
	query := `SELECT ` + ingredientColumns + ` FROM batch_ingredients WHERE batch_id = $1 ORDER BY material`
	if err := s.db.SelectContext(ctx, &lines, query, batchID); err != nil {
		return nil, fmt.Errorf("原材料明細取得に失敗しました: %w", err)
	}
	return lines, nil
}

// GetRawMaterial retrieves one raw material balance
// 原材料在庫を取得
func (s *PostgreSQLStorage) GetRawMaterial(ctx context.Context, name string) (*production.RawMaterial, error) {
	m := &production.RawMaterial{}
	err := s.db.GetContext(ctx, m, `SELECT `+rawColumns+` FROM raw_materials WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, production.ErrMaterialNotFound
		}
		return nil, fmt.Errorf("原材料取得に失敗しました: %w", err)
	}
	return m, nil
}

// ListRawMaterials retrieves all raw material balances
// すべての原材料在庫を取得
func (s *PostgreSQLStorage) ListRawMaterials(ctx context.Context) ([]production.RawMaterial, error) {
	var materials []production.RawMaterial
	if err := s.db.SelectContext(ctx, &materials, `SELECT `+rawColumns+` FROM raw_materials ORDER BY name`); err != nil {
		return nil, fmt.Errorf("原材料一覧取得に失敗しました: %w", err)
	}
	return materials, nil
}

// GetFinishedGood retrieves one finished good
// 製品を取得
func (s *PostgreSQLStorage) GetFinishedGood(ctx context.Context, productID string) (*production.FinishedGood, error) {
	g := &production.FinishedGood{}
	err := s.db.GetContext(ctx, g, `SELECT `+goodColumns+` FROM finished_goods WHERE product_id = $1`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, production.ErrProductNotFound
		}
		return nil, fmt.Errorf("製品取得に失敗しました: %w", err)
	}
	return g, nil
}

// ListFinishedGoods retrieves finished goods, optionally by category
// 製品一覧を取得（カテゴリ指定可）
func (s *PostgreSQLStorage) ListFinishedGoods(ctx context.Context, category string) ([]production.FinishedGood, error) {
	var goods []production.FinishedGood
	var err error
	if category == "" {
		err = s.db.SelectContext(ctx, &goods, `SELECT `+goodColumns+` FROM finished_goods ORDER BY product_id`)
	} else {
		err = s.db.SelectContext(ctx, &goods, `SELECT `+goodColumns+` FROM finished_goods WHERE category = $1 ORDER BY product_id`, category)
	}
	if err != nil {
		return nil, fmt.Errorf("製品一覧取得に失敗しました: %w", err)
	}
	return goods, nil
}

// ListNegativeBalances retrieves every negative balance in both stores
// 両ストアの負在庫を取得
func (s *PostgreSQLStorage) ListNegativeBalances(ctx context.Context) ([]production.BacklogEntry, error) {
	query := `
		SELECT 'raw_material' AS store, name AS stock_key, quantity_kg FROM raw_materials WHERE quantity_kg < 0
		UNION ALL
		SELECT 'finished_good' AS store, product_id AS stock_key, quantity_kg FROM finished_goods WHERE quantity_kg < 0
		ORDER BY store, stock_key`

	var entries []production.BacklogEntry
	if err := s.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("負在庫取得に失敗しました: %w", err)
	}
	return entries, nil
}

// ListReceptions retrieves the receptions of a batch
// バッチの受入履歴を取得
func (s *PostgreSQLStorage) ListReceptions(ctx context.Context, batchID string, includeDeleted bool) ([]production.Reception, error) {
	query := `SELECT ` + receptionColumns + ` FROM receptions WHERE batch_id = $1`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}
	query += ` ORDER BY created_at, id`

	var receptions []production.Reception
	if err := s.db.SelectContext(ctx, &receptions, query, batchID); err != nil {
		return nil, fmt.Errorf("受入履歴取得に失敗しました: %w", err)
	}
	return receptions, nil
}

// ListReceptionsByDate retrieves the live receptions of a day
// 指定日の有効な受入を取得
func (s *PostgreSQLStorage) ListReceptionsByDate(ctx context.Context, date time.Time) ([]production.Reception, error) {
	query := `SELECT ` + receptionColumns + ` FROM receptions WHERE date = $1 AND NOT deleted ORDER BY created_at, id`

	var receptions []production.Reception
	if err := s.db.SelectContext(ctx, &receptions, query, date); err != nil {
		return nil, fmt.Errorf("日別受入取得に失敗しました: %w", err)
	}
	return receptions, nil
}

// GetSnapshot retrieves a snapshot header
// 棚卸ヘッダを取得
func (s *PostgreSQLStorage) GetSnapshot(ctx context.Context, snapshotID string) (*production.Snapshot, error) {
	return getSnapshot(ctx, s.db, `SELECT `+snapshotColumns+` FROM inventory_snapshots WHERE id = $1`, snapshotID)
}

// ListSnapshotLines retrieves the lines of a snapshot
// 棚卸明細を取得
func (s *PostgreSQLStorage) ListSnapshotLines(ctx context.Context, snapshotID string) ([]production.SnapshotLine, error) {
	var lines []production.SnapshotLine
	query := `SELECT ` + snapshotLineColumns + ` FROM inventory_snapshot_lines WHERE snapshot_id = $1 ORDER BY category, product_id`
	if err := s.db.SelectContext(ctx, &lines, query, snapshotID); err != nil {
		return nil, fmt.Errorf("棚卸明細取得に失敗しました: %w", err)
	}
	return lines, nil
}

// Ping checks database connectivity
// データベース接続を確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// postgresTx implements production.Tx on one sqlx transaction
type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) LockRawMaterials(ctx context.Context, names []string) (map[string]*production.RawMaterial, error) {
	// 未登録の原材料はゼロで作成してからロックする
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO raw_materials (name) SELECT unnest($1::text[]) ON CONFLICT (name) DO NOTHING`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("原材料登録に失敗しました: %w", err)
	}

	var materials []production.RawMaterial
	query := `SELECT ` + rawColumns + ` FROM raw_materials WHERE name = ANY($1) ORDER BY name FOR UPDATE`
	if err := t.tx.SelectContext(ctx, &materials, query, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("原材料ロックに失敗しました: %w", err)
	}

	result := make(map[string]*production.RawMaterial, len(materials))
	for i := range materials {
		result[materials[i].Name] = &materials[i]
	}
	return result, nil
}

func (t *postgresTx) UpdateRawMaterial(ctx context.Context, m *production.RawMaterial) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE raw_materials SET quantity_kg = $2, last_price = $3, updated_at = $4 WHERE name = $1`,
		m.Name, m.QuantityKg, m.LastPrice, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("原材料更新に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) LockFinishedGoods(ctx context.Context, productIDs []string) (map[string]*production.FinishedGood, error) {
	var goods []production.FinishedGood
	query := `SELECT ` + goodColumns + ` FROM finished_goods WHERE product_id = ANY($1) ORDER BY product_id FOR UPDATE`
	if err := t.tx.SelectContext(ctx, &goods, query, pq.Array(productIDs)); err != nil {
		return nil, fmt.Errorf("製品ロックに失敗しました: %w", err)
	}

	result := make(map[string]*production.FinishedGood, len(goods))
	for i := range goods {
		result[goods[i].ProductID] = &goods[i]
	}
	return result, nil
}

func (t *postgresTx) UpdateFinishedGood(ctx context.Context, g *production.FinishedGood) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE finished_goods SET quantity_kg = $2, avg_cost = $3, updated_at = $4 WHERE product_id = $1`,
		g.ProductID, g.QuantityKg, g.AvgCost, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("製品更新に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertBatch(ctx context.Context, b *production.Batch) error {
	meta, err := encodeMeta(b.Repackaging)
	if err != nil {
		return err
	}

	// 衝突してもトランザクションを中断させない
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.ProductID, b.Kind, b.State, b.PlannedKg, b.ActualKg, b.ProductionDate, b.CreatedAt,
		b.StartedAt, b.FinishedAt, b.TotalRawCost, b.UnitCost, b.Note, b.Worker, b.FromSchedule, meta)
	if err != nil {
		return fmt.Errorf("バッチ作成に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("作成行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return production.ErrDuplicateBatchID
	}
	return nil
}

func (t *postgresTx) LockBatch(ctx context.Context, batchID string) (*production.Batch, error) {
	return getBatch(ctx, t.tx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, batchID)
}

func (t *postgresTx) LockBatchesByDateAndState(ctx context.Context, date time.Time, state production.BatchState) ([]production.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE production_date = $1 AND state = $2 ORDER BY id FOR UPDATE`
	return selectBatches(ctx, t.tx, query, date, state)
}

func (t *postgresTx) UpdateBatch(ctx context.Context, b *production.Batch) error {
	meta, err := encodeMeta(b.Repackaging)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE batches
		SET state = $2, planned_kg = $3, actual_kg = $4, started_at = $5, finished_at = $6,
			total_raw_cost = $7, unit_cost = $8, note = $9, repackaging = $10
		WHERE id = $1`,
		b.ID, b.State, b.PlannedKg, b.ActualKg, b.StartedAt, b.FinishedAt,
		b.TotalRawCost, b.UnitCost, b.Note, meta)
	if err != nil {
		return fmt.Errorf("バッチ更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return production.ErrBatchNotFound
	}
	return nil
}

func (t *postgresTx) IngredientLines(ctx context.Context, batchID string) ([]production.IngredientLine, error) {
	var lines []production.IngredientLine
	query := `SELECT ` + ingredientColumns + ` FROM batch_ingredients WHERE batch_id = $1 ORDER BY material FOR UPDATE`
	if err := t.tx.SelectContext(ctx, &lines, query, batchID); err != nil {
		return nil, fmt.Errorf("原材料明細取得に失敗しました: %w", err)
	}
	return lines, nil
}

func (t *postgresTx) InsertIngredientLines(ctx context.Context, lines []production.IngredientLine) error {
	if len(lines) == 0 {
		return nil
	}
	// NamedExecでスライスをバルクインサート
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO batch_ingredients (`+ingredientColumns+`)
		VALUES (:batch_id, :material, :quantity_kg, :unit_price, :created_at)`, lines)
	if err != nil {
		return fmt.Errorf("原材料明細作成に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteIngredientLines(ctx context.Context, batchID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM batch_ingredients WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("原材料明細削除に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertReception(ctx context.Context, r *production.Reception) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO receptions (`+receptionColumns+`)
		VALUES (:id, :batch_id, :product_id, :unit, :value, :quantity_kg, :acceptor, :note, :date, :created_at,
			:deleted, :deleted_at, :deleted_by, :delete_reason)`, r)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("受入記録は既に存在します: %s", r.ID)
		}
		return fmt.Errorf("受入記録作成に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) LockLatestReception(ctx context.Context, batchID string) (*production.Reception, error) {
	r := &production.Reception{}
	query := `SELECT ` + receptionColumns + ` FROM receptions
		WHERE batch_id = $1 AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`
	if err := t.tx.GetContext(ctx, r, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("受入記録ロックに失敗しました: %w", err)
	}
	return r, nil
}

func (t *postgresTx) MarkReceptionDeleted(ctx context.Context, r *production.Reception) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE receptions
		SET deleted = TRUE, deleted_at = $2, deleted_by = $3, delete_reason = $4
		WHERE id = $1 AND NOT deleted`,
		r.ID, r.DeletedAt, r.DeletedBy, r.DeleteReason)
	if err != nil {
		return fmt.Errorf("受入記録削除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return production.ErrNoReception
	}
	return nil
}

func (t *postgresTx) SumReceptions(ctx context.Context, batchID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(quantity_kg), 0) FROM receptions WHERE batch_id = $1 AND NOT deleted`, batchID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("受入合計取得に失敗しました: %w", err)
	}
	return total, nil
}

func (t *postgresTx) CountReceptions(ctx context.Context, batchID string, includeDeleted bool) (int, error) {
	var count int
	err := t.tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM receptions WHERE batch_id = $1 AND ($2 OR NOT deleted)`, batchID, includeDeleted)
	if err != nil {
		return 0, fmt.Errorf("受入件数取得に失敗しました: %w", err)
	}
	return count, nil
}

func (t *postgresTx) LockDraftSnapshot(ctx context.Context) (*production.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM inventory_snapshots
		WHERE status = 'DRAFT' ORDER BY created_at LIMIT 1 FOR UPDATE`
	s, err := getSnapshot(ctx, t.tx, query)
	if errors.Is(err, production.ErrSnapshotNotFound) {
		return nil, nil
	}
	return s, err
}

func (t *postgresTx) LockSnapshot(ctx context.Context, snapshotID string) (*production.Snapshot, error) {
	return getSnapshot(ctx, t.tx, `SELECT `+snapshotColumns+` FROM inventory_snapshots WHERE id = $1 FOR UPDATE`, snapshotID)
}

func (t *postgresTx) InsertSnapshot(ctx context.Context, s *production.Snapshot) error {
	// 単一ドラフトの部分一意インデックスに衝突した場合は何もしない
	result, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO inventory_snapshots (`+snapshotColumns+`)
		VALUES (:id, :date, :operator, :status, :created_at, :completed_at)
		ON CONFLICT DO NOTHING`, s)
	if err != nil {
		return fmt.Errorf("棚卸作成に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("棚卸作成結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return production.ErrDraftSnapshotExists
	}
	return nil
}

func (t *postgresTx) SnapshotLine(ctx context.Context, snapshotID, productID string) (*production.SnapshotLine, error) {
	var line production.SnapshotLine
	err := t.tx.GetContext(ctx, &line, `SELECT `+snapshotLineColumns+` FROM inventory_snapshot_lines
		WHERE snapshot_id = $1 AND product_id = $2`, snapshotID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("棚卸明細取得に失敗しました: %w", err)
	}
	return &line, nil
}

func (t *postgresTx) UpdateSnapshot(ctx context.Context, s *production.Snapshot) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE inventory_snapshots SET status = $2, completed_at = $3 WHERE id = $1`,
		s.ID, s.Status, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("棚卸更新に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresTx) ReplaceSnapshotLine(ctx context.Context, line *production.SnapshotLine) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO inventory_snapshot_lines (`+snapshotLineColumns+`)
		VALUES (:snapshot_id, :product_id, :category, :counted_unit, :counted_value, :system_kg,
			:physical_kg, :delta_kg, :value, :avg_cost, :counted_by, :created_at)
		ON CONFLICT (snapshot_id, product_id) DO UPDATE SET
			category = EXCLUDED.category,
			counted_unit = EXCLUDED.counted_unit,
			counted_value = EXCLUDED.counted_value,
			system_kg = EXCLUDED.system_kg,
			physical_kg = EXCLUDED.physical_kg,
			delta_kg = EXCLUDED.delta_kg,
			value = EXCLUDED.value,
			avg_cost = EXCLUDED.avg_cost,
			counted_by = EXCLUDED.counted_by,
			created_at = EXCLUDED.created_at`, line)
	if err != nil {
		return fmt.Errorf("棚卸明細保存に失敗しました: %w", err)
	}
	return nil
}

// ヘルパー関数

// batchRow carries the JSONB metadata column alongside the batch fields
type batchRow struct {
	production.Batch
	RepackagingJSON []byte `db:"repackaging"`
}

func (r *batchRow) toBatch() (*production.Batch, error) {
	b := r.Batch
	if len(r.RepackagingJSON) > 0 {
		meta := &production.RepackagingMeta{}
		if err := json.Unmarshal(r.RepackagingJSON, meta); err != nil {
			return nil, fmt.Errorf("リパックメタデータの読込に失敗しました: %w", err)
		}
		b.Repackaging = meta
	}
	return &b, nil
}

func encodeMeta(meta *production.RepackagingMeta) (interface{}, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("リパックメタデータの変換に失敗しました: %w", err)
	}
	return raw, nil
}

func getBatch(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*production.Batch, error) {
	var row batchRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, production.ErrBatchNotFound
		}
		return nil, fmt.Errorf("バッチ取得に失敗しました: %w", err)
	}
	return row.toBatch()
}

func selectBatches(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) ([]production.Batch, error) {
	var rows []batchRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("バッチ一覧取得に失敗しました: %w", err)
	}

	batches := make([]production.Batch, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toBatch()
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, nil
}

func getSnapshot(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*production.Snapshot, error) {
	s := &production.Snapshot{}
	if err := sqlx.GetContext(ctx, q, s, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, production.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("棚卸取得に失敗しました: %w", err)
	}
	return s, nil
}
