package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchRegistry creates, amends and cancels production batches
// 製造バッチの登録・修正・取消を処理
type BatchRegistry struct {
	*core
	ledger *Ledger
	costs  *CostAccountant
}

// CreateBatchRequest is the input of CreateBatch
type CreateBatchRequest struct {
	ProductID   string            `json:"product_id"`
	PlannedKg   decimal.Decimal   `json:"planned_kg"`
	Date        time.Time         `json:"date"`
	Ingredients []IngredientInput `json:"ingredients"`
	Worker      string            `json:"worker"`
	Note        string            `json:"note"`
}

// PlanBatchRequest is the input of PlanBatch
type PlanBatchRequest struct {
	ProductID string          `json:"product_id"`
	PlannedKg decimal.Decimal `json:"planned_kg"`
	Date      time.Time       `json:"date"`
	Worker    string          `json:"worker"`
	Note      string          `json:"note"`
}

// CreateBatch registers a batch in production and consumes its ingredients.
// Raw-material stock is allowed to go negative.
// 製造中バッチを登録し原材料を消費（原材料在庫は負になってもよい）
func (r *BatchRegistry) CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error) {
	if _, err := r.validateHeader(ctx, req.ProductID, req.PlannedKg); err != nil {
		return nil, err
	}
	merged, err := ValidateIngredients(req.Ingredients)
	if err != nil {
		return nil, err
	}

	worker := r.worker(ctx, req.Worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err = r.storage.WithTx(ctx, func(tx Tx) error {
		now := r.now()
		b := &Batch{
			ProductID:      req.ProductID,
			Kind:           BatchKindProduction,
			State:          BatchStateInProduction,
			PlannedKg:      req.PlannedKg,
			ActualKg:       decimal.Zero,
			ProductionDate: r.productionDate(req.Date),
			CreatedAt:      now,
			StartedAt:      &now,
			TotalRawCost:   decimal.Zero,
			UnitCost:       decimal.Zero,
			Note:           req.Note,
			Worker:         worker,
		}
		if err := r.insertBatch(ctx, tx, b, ""); err != nil {
			return err
		}

		lines, err := r.replaceIngredients(ctx, tx, b, merged, "consume", cs)
		if err != nil {
			return err
		}
		b.TotalRawCost = MaterialCost(lines)
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventBatchCreated, b, b.PlannedKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("create_batch", "バッチ作成に失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ作成完了",
		zap.String("batch_id", batch.ID),
		zap.String("product_id", batch.ProductID),
		zap.String("planned_kg", batch.PlannedKg.String()),
		zap.Int("ingredients", len(merged)),
		zap.String("total_raw_cost", batch.TotalRawCost.String()),
		zap.String("worker", worker),
	)

	return batch, nil
}

// PlanBatch registers a batch coming from the scheduling pipeline; nothing is consumed yet
// 計画パイプライン由来のバッチを登録（消費はまだ行わない）
func (r *BatchRegistry) PlanBatch(ctx context.Context, req PlanBatchRequest) (*Batch, error) {
	if _, err := r.validateHeader(ctx, req.ProductID, req.PlannedKg); err != nil {
		return nil, err
	}

	worker := r.worker(ctx, req.Worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err := r.storage.WithTx(ctx, func(tx Tx) error {
		now := r.now()
		b := &Batch{
			ProductID:      req.ProductID,
			Kind:           BatchKindProduction,
			State:          BatchStatePlanned,
			PlannedKg:      req.PlannedKg,
			ActualKg:       decimal.Zero,
			ProductionDate: r.productionDate(req.Date),
			CreatedAt:      now,
			TotalRawCost:   decimal.Zero,
			UnitCost:       decimal.Zero,
			Note:           req.Note,
			Worker:         worker,
			FromSchedule:   true,
		}
		if err := r.insertBatch(ctx, tx, b, ""); err != nil {
			return err
		}
		cs.transition(b.State)
		cs.batchChanged(EventBatchPlanned, b, b.PlannedKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("plan_batch", "バッチ計画に失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ計画完了",
		zap.String("batch_id", batch.ID),
		zap.String("product_id", batch.ProductID),
		zap.String("planned_kg", batch.PlannedKg.String()),
	)

	return batch, nil
}

// StartBatch moves a planned batch into production and consumes its ingredients.
// A batch re-planned by a reversal is charged only the change against what it already consumed.
// 計画済みバッチを製造開始し原材料を消費（再計画バッチは既消費分との差分のみ）
func (r *BatchRegistry) StartBatch(ctx context.Context, batchID string, ingredients []IngredientInput, worker string) (*Batch, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	merged, err := ValidateIngredients(ingredients)
	if err != nil {
		return nil, err
	}

	worker = r.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err = r.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(b, BatchStatePlanned); err != nil {
			return err
		}

		lines, err := r.replaceIngredients(ctx, tx, b, merged, "consume", cs)
		if err != nil {
			return err
		}

		now := r.now()
		b.State = BatchStateInProduction
		b.StartedAt = &now
		b.TotalRawCost = MaterialCost(lines)
		if err := r.costs.refreshBatchCost(ctx, tx, b); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventBatchStarted, b, b.PlannedKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("start_batch", "バッチ開始に失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ開始完了",
		zap.String("batch_id", batch.ID),
		zap.String("total_raw_cost", batch.TotalRawCost.String()),
		zap.String("worker", worker),
	)

	return batch, nil
}

// AmendBatch replaces the ingredient list of a batch. Only the difference between
// the old and the new lines is applied to raw-material stock.
// 原材料リストを差し替え、新旧の差分のみを在庫に反映
func (r *BatchRegistry) AmendBatch(ctx context.Context, batchID string, ingredients []IngredientInput, worker string) (*Batch, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	merged, err := ValidateIngredients(ingredients)
	if err != nil {
		return nil, err
	}

	worker = r.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err = r.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(b, BatchStateInProduction, BatchStateReturnedToProduction); err != nil {
			return err
		}

		lines, err := r.replaceIngredients(ctx, tx, b, merged, "amend", cs)
		if err != nil {
			return err
		}

		now := r.now()
		b.TotalRawCost = MaterialCost(lines)
		if err := r.costs.refreshBatchCost(ctx, tx, b); err != nil {
			return err
		}
		b.AppendNote(fmt.Sprintf("[%s] 原材料修正 by %s", now.Format(time.RFC3339), worker))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.batchChanged(EventBatchAmended, b, b.PlannedKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("amend_batch", "バッチ修正に失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ修正完了",
		zap.String("batch_id", batch.ID),
		zap.Int("ingredients", len(merged)),
		zap.String("total_raw_cost", batch.TotalRawCost.String()),
		zap.String("worker", worker),
	)

	return batch, nil
}

// CancelBatch cancels a batch that is still in production and has no live reception.
// Every consumed ingredient is returned to raw-material stock; the row is kept as cancelled
// so its id is never reused.
// 受入前の製造中バッチを取消し、消費した原材料をすべて戻す（IDは再利用しない）
func (r *BatchRegistry) CancelBatch(ctx context.Context, batchID, reason, worker string) (*Batch, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}

	worker = r.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err := r.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(b, BatchStateInProduction); err != nil {
			return err
		}
		received, err := tx.CountReceptions(ctx, b.ID, true)
		if err != nil {
			return err
		}
		if received > 0 {
			return NewBusinessRuleError("cancel_after_reception", "受入済みのバッチは取消できません", fmt.Sprintf("batch=%s receptions=%d", b.ID, received))
		}

		lines, err := tx.IngredientLines(ctx, b.ID)
		if err != nil {
			return err
		}
		credits := make(map[string]decimal.Decimal, len(lines))
		for _, line := range lines {
			credits[line.Material] = credits[line.Material].Add(line.QuantityKg)
		}
		if _, err := r.ledger.applyRaw(ctx, tx, credits, "cancel", b.ID, cs); err != nil {
			return err
		}
		if err := tx.DeleteIngredientLines(ctx, b.ID); err != nil {
			return err
		}

		now := r.now()
		b.State = BatchStateCancelled
		b.FinishedAt = &now
		b.TotalRawCost = decimal.Zero
		b.UnitCost = decimal.Zero
		b.AppendNote(fmt.Sprintf("[%s] 取消 by %s: %s", now.Format(time.RFC3339), worker, reason))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventBatchCancelled, b, decimal.Zero, reason, now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("cancel_batch", "バッチ取消に失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ取消完了",
		zap.String("batch_id", batch.ID),
		zap.String("reason", reason),
		zap.String("worker", worker),
	)

	return batch, nil
}

// RejectBatch sends a batch in production back with a reason
// 理由付きで製造に差し戻す
func (r *BatchRegistry) RejectBatch(ctx context.Context, batchID, reason, worker string) (*Batch, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}

	worker = r.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err := r.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(b, BatchStateInProduction); err != nil {
			return err
		}

		now := r.now()
		b.State = BatchStateReturnedToProduction
		b.AppendNote(fmt.Sprintf("[%s] 差し戻し by %s: %s", now.Format(time.RFC3339), worker, reason))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventBatchRejected, b, b.ActualKg, reason, now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("reject_batch", "バッチ差し戻しに失敗しました", err)
	}
	r.emit(ctx, cs)

	r.logger.Info("バッチ差し戻し完了",
		zap.String("batch_id", batch.ID),
		zap.String("reason", reason),
	)

	return batch, nil
}

// GetBatch gets a batch by id
// IDでバッチを取得
func (r *BatchRegistry) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	return r.storage.GetBatch(ctx, batchID)
}

// ListBatches lists batches matching filter
// 条件に一致するバッチ一覧を取得
func (r *BatchRegistry) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	if filter.Date != nil {
		day := dateOnly(*filter.Date)
		filter.Date = &day
	}
	return r.storage.ListBatches(ctx, filter)
}

// Ingredients lists the ingredient lines of a batch
// バッチの原材料明細を取得
func (r *BatchRegistry) Ingredients(ctx context.Context, batchID string) ([]IngredientLine, error) {
	return r.storage.ListIngredientLines(ctx, batchID)
}

// ヘルパーメソッド

// validateHeader checks the product and planned quantity before any mutation
// 変更前に製品と計画数量を検証
func (r *BatchRegistry) validateHeader(ctx context.Context, productID string, plannedKg decimal.Decimal) (*FinishedGood, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidatePositive("planned_kg", plannedKg); err != nil {
		return nil, err
	}
	g, err := r.storage.GetFinishedGood(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, NewValidationError("product_id", "製品が見つかりません", productID)
		}
		return nil, NewStorageError("get_finished_good", "製品取得に失敗しました", err)
	}
	return g, nil
}

// replaceIngredients makes quantities the batch's ingredient list. Only the difference
// against the lines already recorded is applied to raw-material stock, so a fresh batch
// consumes everything and an amended one is charged or credited the change.
// Changed materials are priced at their current last price; unchanged ones keep theirs.
// 原材料明細を置き換え、既存明細との差分のみ在庫に反映する
func (r *BatchRegistry) replaceIngredients(ctx context.Context, tx Tx, b *Batch, quantities map[string]decimal.Decimal, changeType string, cs *changeSet) ([]IngredientLine, error) {
	oldLines, err := tx.IngredientLines(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	consumed := make(map[string]decimal.Decimal, len(oldLines))
	oldPrice := make(map[string]decimal.Decimal, len(oldLines))
	for _, line := range oldLines {
		consumed[line.Material] = consumed[line.Material].Add(line.QuantityKg)
		oldPrice[line.Material] = line.UnitPrice
	}

	// 消費量の増加分は在庫から減算、減少分は在庫に戻す
	deltas := make(map[string]decimal.Decimal, len(quantities)+len(consumed))
	for name, qty := range quantities {
		deltas[name] = consumed[name].Sub(qty)
	}
	for name, qty := range consumed {
		if _, ok := quantities[name]; !ok {
			deltas[name] = qty
		}
	}

	materials, err := r.ledger.applyRaw(ctx, tx, deltas, changeType, b.ID, cs)
	if err != nil {
		return nil, err
	}

	now := r.now()
	lines := make([]IngredientLine, 0, len(quantities))
	for _, name := range sortedKeys(quantities) {
		price := oldPrice[name]
		if m, ok := materials[name]; ok {
			price = m.LastPrice
		}
		lines = append(lines, IngredientLine{
			BatchID:    b.ID,
			Material:   name,
			QuantityKg: quantities[name],
			UnitPrice:  price,
			CreatedAt:  now,
		})
	}

	if len(oldLines) > 0 {
		if err := tx.DeleteIngredientLines(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertIngredientLines(ctx, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *BatchRegistry) productionDate(date time.Time) time.Time {
	return dateOrToday(date, r.now())
}

// insertBatch assigns a fresh id to b and inserts it, retrying on collision
// with a random suffix and finally a high-resolution disambiguator
// IDを採番して挿入（衝突時はランダム接尾辞で再試行し、最後に高分解能の識別子を使う）
func (c *core) insertBatch(ctx context.Context, tx Tx, b *Batch, prefix string) error {
	for attempt := 0; attempt < c.config.BatchIDAttempts; attempt++ {
		b.ID = c.ids.Candidate(prefix, b.ProductID, b.Worker, attempt)
		err := tx.InsertBatch(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateBatchID) {
			return err
		}
		c.logger.Debug("バッチIDが衝突しました。再試行します",
			zap.String("batch_id", b.ID),
			zap.Int("attempt", attempt),
		)
	}

	b.ID = c.ids.Fallback(prefix, b.ProductID, b.Worker)
	if err := tx.InsertBatch(ctx, b); err != nil {
		if errors.Is(err, ErrDuplicateBatchID) {
			return ErrBatchIDExhausted
		}
		return err
	}
	return nil
}
