package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reception actions reported to metrics
const (
	ReceptionAccepted = "accepted"
	ReceptionReversed = "reversed"
)

// ReceivingWorkflow accepts produced output against batches, reverses the latest
// acceptance and closes production days
// 製造出来高の受入・直前受入の取消・日締めを処理
type ReceivingWorkflow struct {
	*core
	ledger *Ledger
	costs  *CostAccountant
}

// AcceptRequest is one accepted output line
type AcceptRequest struct {
	BatchID  string          `json:"batch_id"`
	Unit     Unit            `json:"unit"`
	Value    decimal.Decimal `json:"value"`
	Acceptor string          `json:"acceptor"`
	Note     string          `json:"note"`
	Date     time.Time       `json:"date"`
}

// AcceptLine appends a reception, adds the converted mass to finished-good stock,
// recomputes the batch unit cost and moves the batch to awaiting print
// 受入を記録し、製品在庫を加算、原価を再計算して印刷待ちへ遷移
func (w *ReceivingWorkflow) AcceptLine(ctx context.Context, req AcceptRequest) (*Reception, error) {
	if err := ValidateBatchID(req.BatchID); err != nil {
		return nil, err
	}
	if err := ValidateUnit(req.Unit); err != nil {
		return nil, err
	}
	if err := ValidatePositive("value", req.Value); err != nil {
		return nil, err
	}

	acceptor := w.worker(ctx, req.Acceptor)
	cs := newChangeSet(acceptor)
	var reception *Reception

	err := w.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b.Kind != BatchKindProduction {
			return NewBusinessRuleError("accept_kind", "小分けバッチは受入対象外です", "batch="+b.ID)
		}
		if err := ValidateTransition(b, BatchStateInProduction, BatchStateReturnedToProduction, BatchStateAwaitingPrint); err != nil {
			return err
		}

		goods, err := w.ledger.lockGoods(ctx, tx, b.ProductID)
		if err != nil {
			return err
		}
		g := goods[b.ProductID]

		kg, err := ToCanonicalKg(req.Value, req.Unit, g.packageWeight())
		if err != nil {
			return err
		}

		now := w.now()
		date := req.Date
		if date.IsZero() {
			date = now
		}
		r := &Reception{
			ID:         NewRecordID(),
			BatchID:    b.ID,
			ProductID:  b.ProductID,
			Unit:       req.Unit,
			Value:      req.Value,
			QuantityKg: kg,
			Acceptor:   acceptor,
			Note:       req.Note,
			Date:       dateOnly(date),
			CreatedAt:  now,
		}
		if err := tx.InsertReception(ctx, r); err != nil {
			return err
		}

		// 平均原価は数量加算前の在庫で計算する
		if err := w.costs.applyAcceptance(ctx, tx, b, g, kg); err != nil {
			return err
		}
		if err := w.ledger.shiftGood(ctx, tx, g, kg, "accept", b.ID, cs); err != nil {
			return err
		}

		if b.State != BatchStateAwaitingPrint {
			b.State = BatchStateAwaitingPrint
			cs.transition(b.State)
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.receptions = append(cs.receptions, ReceptionAccepted)
		cs.batchChanged(EventReceptionAccepted, b, kg, "", now)
		reception = r
		return nil
	})
	if err != nil {
		return nil, wrapStorage("accept_line", "受入に失敗しました", err)
	}
	w.emit(ctx, cs)

	w.logger.Info("受入完了",
		zap.String("batch_id", reception.BatchID),
		zap.String("reception_id", reception.ID),
		zap.String("unit", string(reception.Unit)),
		zap.String("value", reception.Value.String()),
		zap.String("quantity_kg", reception.QuantityKg.String()),
		zap.String("acceptor", acceptor),
	)

	return reception, nil
}

// ReverseAcceptance soft-deletes the most recent live reception of a batch and
// negates its stock effect. The average cost is not recomputed.
// 直前の受入を論理削除し在庫を戻す（平均原価は再計算しない）
func (w *ReceivingWorkflow) ReverseAcceptance(ctx context.Context, batchID, acceptor, reason string) (*Reception, error) {
	if err := ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}

	acceptor = w.worker(ctx, acceptor)
	cs := newChangeSet(acceptor)
	var reversed *Reception

	err := w.storage.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(b, BatchStateAwaitingPrint); err != nil {
			return err
		}

		r, err := tx.LockLatestReception(ctx, b.ID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrNoReception
		}

		goods, err := w.ledger.lockGoods(ctx, tx, b.ProductID)
		if err != nil {
			return err
		}

		now := w.now()
		r.Deleted = true
		r.DeletedAt = &now
		r.DeletedBy = acceptor
		r.DeleteReason = reason
		if err := tx.MarkReceptionDeleted(ctx, r); err != nil {
			return err
		}

		if err := w.ledger.shiftGood(ctx, tx, goods[b.ProductID], r.QuantityKg.Neg(), "reverse", b.ID, cs); err != nil {
			return err
		}
		if err := w.costs.refreshBatchCost(ctx, tx, b); err != nil {
			return err
		}

		b.State = BatchStateInProduction
		if b.FromSchedule {
			b.State = BatchStatePlanned
		}
		b.AppendNote(fmt.Sprintf("[%s] 受入取消 by %s: %s", now.Format(time.RFC3339), acceptor, reason))
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		cs.transition(b.State)
		cs.receptions = append(cs.receptions, ReceptionReversed)
		cs.batchChanged(EventReceptionReversed, b, r.QuantityKg, reason, now)
		reversed = r
		return nil
	})
	if err != nil {
		return nil, wrapStorage("reverse_acceptance", "受入取消に失敗しました", err)
	}
	w.emit(ctx, cs)

	w.logger.Info("受入取消完了",
		zap.String("batch_id", batchID),
		zap.String("reception_id", reversed.ID),
		zap.String("quantity_kg", reversed.QuantityKg.String()),
		zap.String("reason", reason),
	)

	return reversed, nil
}

// CloseDay completes every batch of date still awaiting print and returns how many were closed.
// Closing a day with nothing pending is not an error.
// 指定日の印刷待ちバッチをすべて完了にする（対象なしはエラーではない）
func (w *ReceivingWorkflow) CloseDay(ctx context.Context, date time.Time, worker string) (int, error) {
	if date.IsZero() {
		return 0, NewValidationError("date", "日付が指定されていません", "")
	}
	day := dateOnly(date)
	worker = w.worker(ctx, worker)

	if w.locker != nil {
		key := "production:close-day:" + day.Format("2006-01-02")
		release, err := w.locker.Obtain(ctx, key, w.config.DayCloseLockTTL)
		if errors.Is(err, ErrLockNotObtained) {
			return 0, NewBusinessRuleError("close_day_locked", "日締めは別の処理で実行中です", key)
		}
		if err != nil {
			return 0, NewStorageError("close_day_lock", "日締めロックの取得に失敗しました", err)
		}
		defer release()
	}

	cs := newChangeSet(worker)
	closed := 0

	err := w.storage.WithTx(ctx, func(tx Tx) error {
		batches, err := tx.LockBatchesByDateAndState(ctx, day, BatchStateAwaitingPrint)
		if err != nil {
			return err
		}

		now := w.now()
		for i := range batches {
			b := &batches[i]
			b.State = BatchStateCompleted
			b.FinishedAt = &now
			b.AppendNote(fmt.Sprintf("[%s] 日締め完了 by %s", now.Format(time.RFC3339), worker))
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			cs.transition(b.State)
			cs.batchChanged(EventBatchCompleted, b, b.ActualKg, "", now)
		}
		closed = len(batches)
		return nil
	})
	if err != nil {
		return 0, wrapStorage("close_day", "日締めに失敗しました", err)
	}
	w.emit(ctx, cs)

	w.logger.Info("日締め完了",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int("closed", closed),
		zap.String("worker", worker),
	)

	return closed, nil
}

// Output reports the accepted output of a batch in kg and expected pieces
// バッチの出来高をkgと想定個数で返す
func (w *ReceivingWorkflow) Output(ctx context.Context, batchID string) (*OutputSummary, error) {
	b, err := w.storage.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	g, err := w.storage.GetFinishedGood(ctx, b.ProductID)
	if err != nil {
		return nil, err
	}

	summary := &OutputSummary{
		BatchID:        b.ID,
		ProductID:      b.ProductID,
		QuantityKg:     b.ActualKg,
		ExpectedPieces: decimal.Zero,
		DisplayUnit:    g.DisplayUnit,
	}
	pieces, err := KgToPieces(b.ActualKg, g.packageWeight())
	switch {
	case err == nil:
		summary.ExpectedPieces = pieces
	case errors.Is(err, ErrPackageWeightUnset) && g.DisplayUnit != UnitCount:
		// 質量表示の製品は個数を持たない
	default:
		return nil, err
	}
	return summary, nil
}

// Receptions lists the receptions of a batch, including reversed ones
// バッチの受入履歴（取消済みを含む）
func (w *ReceivingWorkflow) Receptions(ctx context.Context, batchID string) ([]Reception, error) {
	return w.storage.ListReceptions(ctx, batchID, true)
}

// ReceptionsByDate lists the live receptions of a day for reporting
// 指定日の有効な受入一覧
func (w *ReceivingWorkflow) ReceptionsByDate(ctx context.Context, date time.Time) ([]Reception, error) {
	return w.storage.ListReceptionsByDate(ctx, dateOnly(date))
}
