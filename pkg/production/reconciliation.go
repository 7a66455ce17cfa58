package production

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciliation records physical inventory counts. A counted quantity is
// authoritative: it overwrites the stored stock and leaves the average cost alone.
// 棚卸（実数で在庫を上書きし、平均原価は変更しない）
type Reconciliation struct {
	*core
	ledger *Ledger
}

// OpenDraft returns the open draft snapshot, creating one if none exists
// 作成中の棚卸を返す（なければ作成）
func (rc *Reconciliation) OpenDraft(ctx context.Context, worker string) (*Snapshot, error) {
	worker = rc.worker(ctx, worker)
	var snapshot *Snapshot
	created := false

	err := rc.storage.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.LockDraftSnapshot(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			snapshot = existing
			return nil
		}

		now := rc.now()
		s := &Snapshot{
			ID:        NewRecordID(),
			Date:      dateOnly(now),
			Operator:  worker,
			Status:    SnapshotStatusDraft,
			CreatedAt: now,
		}
		if err := tx.InsertSnapshot(ctx, s); err != nil {
			if !errors.Is(err, ErrDraftSnapshotExists) {
				return err
			}
			// 同時に作成された棚卸を返す
			winner, err := tx.LockDraftSnapshot(ctx)
			if err != nil {
				return err
			}
			if winner == nil {
				return NewBusinessRuleError("single_draft", "作成中の棚卸を特定できません", s.ID)
			}
			snapshot = winner
			return nil
		}
		snapshot = s
		created = true
		return nil
	})
	if err != nil {
		return nil, wrapStorage("open_draft", "棚卸の開始に失敗しました", err)
	}

	if created {
		rc.logger.Info("棚卸作成",
			zap.String("snapshot_id", snapshot.ID),
			zap.String("operator", worker),
		)
	}

	return snapshot, nil
}

// SaveCategory stores the counts of one category into a draft snapshot.
// Items without a value are skipped; a product counted twice keeps only its latest line,
// measured against the book quantity seen by its first count.
// カテゴリ単位で実数を保存（未計数はスキップ、同一製品は最新行で置換）
func (rc *Reconciliation) SaveCategory(ctx context.Context, snapshotID string, items []CountItem, category, worker string) ([]SnapshotLine, error) {
	if strings.TrimSpace(snapshotID) == "" {
		return nil, NewValidationError("snapshot_id", "棚卸IDが指定されていません", snapshotID)
	}

	counted := make([]CountItem, 0, len(items))
	for _, item := range items {
		if item.Value == nil {
			continue
		}
		if err := ValidateProductID(item.ProductID); err != nil {
			return nil, err
		}
		if err := ValidateUnit(item.Unit); err != nil {
			return nil, err
		}
		if item.Value.IsNegative() {
			return nil, NewValidationError("value", "実数は0以上である必要があります", item.Value.String())
		}
		counted = append(counted, item)
	}

	worker = rc.worker(ctx, worker)
	cs := newChangeSet(worker)
	var saved []SnapshotLine
	var variance []float64

	err := rc.storage.WithTx(ctx, func(tx Tx) error {
		s, err := tx.LockSnapshot(ctx, snapshotID)
		if err != nil {
			return err
		}
		if s.Status != SnapshotStatusDraft {
			return NewBusinessRuleError("snapshot_completed", "確定済みの棚卸は変更できません", "snapshot="+s.ID)
		}
		if len(counted) == 0 {
			return nil
		}

		ids := make([]string, len(counted))
		for i, item := range counted {
			ids[i] = item.ProductID
		}
		goods, err := rc.ledger.lockGoods(ctx, tx, ids...)
		if err != nil {
			return err
		}

		now := rc.now()
		for _, item := range counted {
			g := goods[item.ProductID]
			physicalKg, err := ToCanonicalKg(*item.Value, item.Unit, g.packageWeight())
			if err != nil {
				return err
			}

			// 再計数時は最初の計数時点の帳簿数量を基準にする
			systemKg := g.QuantityKg
			prior, err := tx.SnapshotLine(ctx, s.ID, g.ProductID)
			if err != nil {
				return err
			}
			if prior != nil {
				systemKg = prior.SystemKg
			}
			delta := physicalKg.Sub(systemKg)
			line := SnapshotLine{
				SnapshotID:   s.ID,
				ProductID:    g.ProductID,
				Category:     lineCategory(category, g),
				CountedUnit:  item.Unit,
				CountedValue: *item.Value,
				SystemKg:     systemKg,
				PhysicalKg:   physicalKg,
				DeltaKg:      delta,
				Value:        ValueOf(g, delta),
				AvgCost:      g.AvgCost.Decimal,
				CountedBy:    worker,
				CreatedAt:    now,
			}
			if !g.AvgCost.Valid {
				line.AvgCost = decimal.Zero
			}

			if err := rc.ledger.setGood(ctx, tx, g, physicalKg, "reconcile", s.ID, cs); err != nil {
				return err
			}
			if err := tx.ReplaceSnapshotLine(ctx, &line); err != nil {
				return err
			}

			value, _ := line.Value.Float64()
			variance = append(variance, value)
			saved = append(saved, line)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("save_category", "棚卸保存に失敗しました", err)
	}
	rc.emit(ctx, cs)
	for _, v := range variance {
		rc.metrics.ObserveVariance(v)
	}

	rc.logger.Info("棚卸保存完了",
		zap.String("snapshot_id", snapshotID),
		zap.String("category", category),
		zap.Int("lines", len(saved)),
		zap.String("worker", worker),
	)

	return saved, nil
}

// FinishDraft completes the open draft. Returns nil, nil when no draft is open.
// 作成中の棚卸を確定（なければ何もしない）
func (rc *Reconciliation) FinishDraft(ctx context.Context, worker string) (*Snapshot, error) {
	worker = rc.worker(ctx, worker)
	var snapshot *Snapshot

	err := rc.storage.WithTx(ctx, func(tx Tx) error {
		s, err := tx.LockDraftSnapshot(ctx)
		if err != nil || s == nil {
			return err
		}
		now := rc.now()
		s.Status = SnapshotStatusCompleted
		s.CompletedAt = &now
		if err := tx.UpdateSnapshot(ctx, s); err != nil {
			return err
		}
		snapshot = s
		return nil
	})
	if err != nil {
		return nil, wrapStorage("finish_draft", "棚卸確定に失敗しました", err)
	}

	if snapshot == nil {
		rc.logger.Debug("確定対象の棚卸がありません")
		return nil, nil
	}

	rc.logger.Info("棚卸確定",
		zap.String("snapshot_id", snapshot.ID),
		zap.String("worker", worker),
	)

	return snapshot, nil
}

// Snapshot returns a snapshot header with its lines
// 棚卸ヘッダと明細を取得
func (rc *Reconciliation) Snapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	s, err := rc.storage.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	lines, err := rc.storage.ListSnapshotLines(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return s, nil
		}
		return nil, err
	}
	s.Lines = lines
	return s, nil
}

func lineCategory(category string, g *FinishedGood) string {
	if category != "" {
		return category
	}
	return g.Category
}
