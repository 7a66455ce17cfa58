package production

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RepackagingCoordinator slices bulk finished goods into packaged units.
// A job reserves source stock on start and settles the difference on finalize.
// バルク製品を包装単位へ小分けする（開始時に引当、確定時に差分を精算）
type RepackagingCoordinator struct {
	*core
	ledger *Ledger
	costs  *CostAccountant
}

// StartRepackagingRequest is the input of Start
type StartRepackagingRequest struct {
	TargetProductID string          `json:"target_product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            Unit            `json:"unit"`
	Date            time.Time       `json:"date"`
	OrderRef        string          `json:"order_ref"`
	Worker          string          `json:"worker"`
}

// Start reserves source stock for a repackaging job and registers it as a batch.
// The source may go negative.
// 小分け元在庫を引当てジョブを登録（元在庫は負になってもよい）
func (rc *RepackagingCoordinator) Start(ctx context.Context, req StartRepackagingRequest) (*Batch, error) {
	if err := ValidateProductID(req.TargetProductID); err != nil {
		return nil, err
	}
	if err := ValidateUnit(req.Unit); err != nil {
		return nil, err
	}
	if err := ValidatePositive("quantity", req.Quantity); err != nil {
		return nil, err
	}

	target, err := rc.storage.GetFinishedGood(ctx, req.TargetProductID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, NewValidationError("target_product_id", "製品が見つかりません", req.TargetProductID)
		}
		return nil, NewStorageError("get_finished_good", "製品取得に失敗しました", err)
	}
	if target.RepackSourceID == "" {
		return nil, ErrNoRepackSource
	}
	if target.RepackSourceID == target.ProductID {
		return nil, NewValidationError("target_product_id", "小分け元と小分け先が同じです", target.ProductID)
	}

	reserveKg, err := ToCanonicalKg(req.Quantity, req.Unit, target.packageWeight())
	if err != nil {
		return nil, err
	}
	pieces, err := plannedPieces(req.Quantity, req.Unit, reserveKg, target.packageWeight())
	if err != nil {
		return nil, err
	}

	worker := rc.worker(ctx, req.Worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err = rc.storage.WithTx(ctx, func(tx Tx) error {
		goods, err := rc.ledger.lockGoods(ctx, tx, target.RepackSourceID, target.ProductID)
		if err != nil {
			return err
		}
		source := goods[target.RepackSourceID]

		now := rc.now()
		b := &Batch{
			ProductID:      target.ProductID,
			Kind:           BatchKindRepackaging,
			State:          BatchStateRepackagingInProgress,
			PlannedKg:      reserveKg,
			ActualKg:       decimal.Zero,
			ProductionDate: dateOrToday(req.Date, now),
			CreatedAt:      now,
			StartedAt:      &now,
			TotalRawCost:   ValueOf(source, reserveKg),
			UnitCost:       decimal.Zero,
			Worker:         worker,
			Repackaging: &RepackagingMeta{
				SourceProductID: source.ProductID,
				TargetProductID: target.ProductID,
				PlannedPieces:   pieces,
				ReservedKg:      reserveKg,
				RequestedUnit:   req.Unit,
				OrderRef:        req.OrderRef,
			},
		}
		if err := rc.insertBatch(ctx, tx, b, rc.config.RepackagingPrefix); err != nil {
			return err
		}
		if err := rc.ledger.shiftGood(ctx, tx, source, reserveKg.Neg(), "repack_reserve", b.ID, cs); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventRepackagingStarted, b, reserveKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("start_repackaging", "小分け開始に失敗しました", err)
	}
	rc.emit(ctx, cs)

	rc.logger.Info("小分け開始",
		zap.String("batch_id", batch.ID),
		zap.String("source_product_id", batch.Repackaging.SourceProductID),
		zap.String("target_product_id", batch.ProductID),
		zap.String("reserved_kg", reserveKg.String()),
		zap.String("planned_pieces", pieces.String()),
	)

	return batch, nil
}

// Finalize records the actual output of a job. The unit must be given explicitly.
// The target gains actualKg and the source is corrected by reservedKg - actualKg.
// 実績を確定（単位は必須）。先製品に実績を加算し、元製品を引当との差分で補正
func (rc *RepackagingCoordinator) Finalize(ctx context.Context, jobID string, value decimal.Decimal, unit Unit, worker string) (*Batch, error) {
	if err := ValidateBatchID(jobID); err != nil {
		return nil, err
	}
	if err := ValidateUnit(unit); err != nil {
		return nil, err
	}
	if err := ValidatePositive("value", value); err != nil {
		return nil, err
	}

	worker = rc.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err := rc.storage.WithTx(ctx, func(tx Tx) error {
		b, meta, err := rc.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		goods, err := rc.ledger.lockGoods(ctx, tx, meta.SourceProductID, meta.TargetProductID)
		if err != nil {
			return err
		}
		source := goods[meta.SourceProductID]
		target := goods[meta.TargetProductID]

		actualKg, err := ToCanonicalKg(value, unit, target.packageWeight())
		if err != nil {
			return err
		}

		now := rc.now()
		r := &Reception{
			ID:         NewRecordID(),
			BatchID:    b.ID,
			ProductID:  target.ProductID,
			Unit:       unit,
			Value:      value,
			QuantityKg: actualKg,
			Acceptor:   worker,
			Note:       "小分け確定",
			Date:       dateOnly(now),
			CreatedAt:  now,
		}
		if err := tx.InsertReception(ctx, r); err != nil {
			return err
		}

		// 元製品の平均原価で先製品の平均に組み込む
		b.TotalRawCost = ValueOf(source, actualKg)
		if source.AvgCost.Valid {
			if err := rc.costs.applyAcceptance(ctx, tx, b, target, actualKg); err != nil {
				return err
			}
		} else if err := rc.costs.refreshBatchCost(ctx, tx, b); err != nil {
			return err
		}

		if err := rc.ledger.shiftGood(ctx, tx, target, actualKg, "repack_output", b.ID, cs); err != nil {
			return err
		}
		if err := rc.ledger.shiftGood(ctx, tx, source, meta.ReservedKg.Sub(actualKg), "repack_settle", b.ID, cs); err != nil {
			return err
		}

		b.ActualKg = actualKg
		b.State = BatchStateCompleted
		b.FinishedAt = &now
		b.AppendNote(fmt.Sprintf("[%s] 小分け確定 by %s: %s %s", now.Format(time.RFC3339), worker, value.String(), unit))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.receptions = append(cs.receptions, ReceptionAccepted)
		cs.batchChanged(EventRepackagingFinished, b, actualKg, "", now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("finalize_repackaging", "小分け確定に失敗しました", err)
	}
	rc.emit(ctx, cs)

	rc.logger.Info("小分け確定",
		zap.String("batch_id", batch.ID),
		zap.String("actual_kg", batch.ActualKg.String()),
		zap.String("reserved_kg", batch.Repackaging.ReservedKg.String()),
		zap.String("worker", worker),
	)

	return batch, nil
}

// Cancel returns the full reservation to the source and cancels the job
// 引当分をすべて元製品に戻しジョブを取消
func (rc *RepackagingCoordinator) Cancel(ctx context.Context, jobID, reason, worker string) (*Batch, error) {
	if err := ValidateBatchID(jobID); err != nil {
		return nil, err
	}
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}

	worker = rc.worker(ctx, worker)
	cs := newChangeSet(worker)
	var batch *Batch

	err := rc.storage.WithTx(ctx, func(tx Tx) error {
		b, meta, err := rc.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		goods, err := rc.ledger.lockGoods(ctx, tx, meta.SourceProductID)
		if err != nil {
			return err
		}
		if err := rc.ledger.shiftGood(ctx, tx, goods[meta.SourceProductID], meta.ReservedKg, "repack_cancel", b.ID, cs); err != nil {
			return err
		}

		now := rc.now()
		b.State = BatchStateCancelled
		b.FinishedAt = &now
		b.TotalRawCost = decimal.Zero
		b.AppendNote(fmt.Sprintf("[%s] 小分け取消 by %s: %s", now.Format(time.RFC3339), worker, reason))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.batchChanged(EventRepackagingCanceled, b, meta.ReservedKg, reason, now)
		batch = b
		return nil
	})
	if err != nil {
		return nil, wrapStorage("cancel_repackaging", "小分け取消に失敗しました", err)
	}
	rc.emit(ctx, cs)

	rc.logger.Info("小分け取消",
		zap.String("batch_id", batch.ID),
		zap.String("returned_kg", batch.Repackaging.ReservedKg.String()),
		zap.String("reason", reason),
	)

	return batch, nil
}

// PlanDemand aggregates order-intake demand per target product into piece and kg
// requirements. Nothing is reserved.
// 受注需要を小分け先製品ごとに集計（引当は行わない）
func (rc *RepackagingCoordinator) PlanDemand(ctx context.Context, demand []DemandLine) ([]RepackagingProposal, error) {
	proposals := make(map[string]*RepackagingProposal)
	goods := make(map[string]*FinishedGood)

	for _, line := range demand {
		if err := ValidateProductID(line.TargetProductID); err != nil {
			return nil, err
		}
		if err := ValidateUnit(line.Unit); err != nil {
			return nil, err
		}
		if err := ValidatePositive("quantity", line.Quantity); err != nil {
			return nil, err
		}

		target, ok := goods[line.TargetProductID]
		if !ok {
			g, err := rc.storage.GetFinishedGood(ctx, line.TargetProductID)
			if err != nil {
				return nil, err
			}
			goods[line.TargetProductID] = g
			target = g
		}

		kg, err := ToCanonicalKg(line.Quantity, line.Unit, target.packageWeight())
		if err != nil {
			return nil, err
		}
		pieces, err := plannedPieces(line.Quantity, line.Unit, kg, target.packageWeight())
		if err != nil {
			return nil, err
		}

		p, ok := proposals[target.ProductID]
		if !ok {
			source := line.SourceProductID
			if source == "" {
				source = target.RepackSourceID
			}
			p = &RepackagingProposal{
				TargetProductID: target.ProductID,
				SourceProductID: source,
				Pieces:          decimal.Zero,
				RequiredKg:      decimal.Zero,
				EarliestDue:     line.DueDate,
			}
			proposals[target.ProductID] = p
		}
		p.Pieces = p.Pieces.Add(pieces)
		p.RequiredKg = p.RequiredKg.Add(kg)
		if !line.DueDate.IsZero() && (p.EarliestDue.IsZero() || line.DueDate.Before(p.EarliestDue)) {
			p.EarliestDue = line.DueDate
		}
		if line.OrderNumber != "" {
			p.Orders = append(p.Orders, line.OrderNumber)
		}
	}

	result := make([]RepackagingProposal, 0, len(proposals))
	for _, p := range proposals {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EarliestDue.Equal(result[j].EarliestDue) {
			return result[i].EarliestDue.Before(result[j].EarliestDue)
		}
		return result[i].TargetProductID < result[j].TargetProductID
	})

	rc.logger.Debug("小分け需要集計",
		zap.Int("lines", len(demand)),
		zap.Int("proposals", len(result)),
	)

	return result, nil
}

// lockJob locks a repackaging job that is still in progress
func (rc *RepackagingCoordinator) lockJob(ctx context.Context, tx Tx, jobID string) (*Batch, *RepackagingMeta, error) {
	b, err := tx.LockBatch(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if b.Kind != BatchKindRepackaging || b.Repackaging == nil {
		return nil, nil, NewBusinessRuleError("repackaging_kind", "小分けジョブではありません", "batch="+b.ID)
	}
	if err := ValidateTransition(b, BatchStateRepackagingInProgress); err != nil {
		return nil, nil, err
	}
	return b, b.Repackaging, nil
}

// plannedPieces returns the requested pieces, or the pieces a mass fills when a weight is set
func plannedPieces(quantity decimal.Decimal, unit Unit, kg, packageWeightG decimal.Decimal) (decimal.Decimal, error) {
	if unit == UnitCount {
		return quantity, nil
	}
	if !packageWeightG.IsPositive() {
		return decimal.Zero, nil
	}
	return KgToPieces(kg, packageWeightG)
}

func dateOrToday(date, now time.Time) time.Time {
	if date.IsZero() {
		return dateOnly(now)
	}
	return dateOnly(date)
}
