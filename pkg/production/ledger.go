package production

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StockStore names one of the two quantity stores
// 在庫ストアの種別
type StockStore string

const (
	StoreRawMaterial  StockStore = "raw_material"  // 原材料
	StoreFinishedGood StockStore = "finished_good" // 製品
)

// Ledger performs lock-serialized quantity adjustments.
// Every read-then-write happens under an exclusive row lock taken before the read.
// 行ロック下で数量を増減する在庫台帳
type Ledger struct {
	*core
}

// Adjust applies delta to a single key in its own transaction and returns the new quantity
// 単一キーの在庫を増減し、新しい数量を返す
func (l *Ledger) Adjust(ctx context.Context, store StockStore, key string, delta decimal.Decimal, reference string) (decimal.Decimal, error) {
	if err := ValidateKey(store, key); err != nil {
		return decimal.Zero, err
	}
	if err := ValidateNonZero("delta", delta); err != nil {
		return decimal.Zero, err
	}

	var newQty decimal.Decimal
	cs := newChangeSet(l.worker(ctx, ""))
	err := l.storage.WithTx(ctx, func(tx Tx) error {
		result, err := l.apply(ctx, tx, store, map[string]decimal.Decimal{key: delta}, "adjust", reference, cs)
		if err != nil {
			return err
		}
		newQty = result[key]
		return nil
	})
	if err != nil {
		return decimal.Zero, wrapStorage("adjust", "在庫調整に失敗しました", err)
	}
	l.emit(ctx, cs)

	l.logger.Info("在庫調整完了",
		zap.String("store", string(store)),
		zap.String("key", key),
		zap.String("delta", delta.String()),
		zap.String("new_quantity", newQty.String()),
		zap.String("reference", reference),
	)

	return newQty, nil
}

// AdjustMany applies several deltas to one store atomically: all of them or none
// 複数キーを一括で増減（全件成功か全件失敗）
func (l *Ledger) AdjustMany(ctx context.Context, store StockStore, deltas map[string]decimal.Decimal, reference string) (map[string]decimal.Decimal, error) {
	if len(deltas) == 0 {
		return nil, NewValidationError("deltas", "調整対象が指定されていません", "")
	}
	for key, delta := range deltas {
		if err := ValidateKey(store, key); err != nil {
			return nil, err
		}
		if err := ValidateNonZero("delta", delta); err != nil {
			return nil, err
		}
	}

	var result map[string]decimal.Decimal
	cs := newChangeSet(l.worker(ctx, ""))
	err := l.storage.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = l.apply(ctx, tx, store, deltas, "adjust", reference, cs)
		return err
	})
	if err != nil {
		return nil, wrapStorage("adjust_many", "一括在庫調整に失敗しました", err)
	}
	l.emit(ctx, cs)

	l.logger.Info("一括在庫調整完了",
		zap.String("store", string(store)),
		zap.Int("keys", len(deltas)),
		zap.String("reference", reference),
	)

	return result, nil
}

// Backlog lists every negative balance; a normal state signalling paperwork lag
// 負在庫一覧（書類遅れのシグナルでありエラーではない）
func (l *Ledger) Backlog(ctx context.Context) ([]BacklogEntry, error) {
	entries, err := l.storage.ListNegativeBalances(ctx)
	if err != nil {
		return nil, NewStorageError("list_negative_balances", "負在庫の取得に失敗しました", err)
	}

	counts := map[StockStore]int{StoreRawMaterial: 0, StoreFinishedGood: 0}
	for _, e := range entries {
		counts[e.Store]++
	}
	for store, n := range counts {
		l.metrics.SetBacklog(store, n)
	}

	return entries, nil
}

// RawMaterial returns the current balance of one raw material
func (l *Ledger) RawMaterial(ctx context.Context, name string) (*RawMaterial, error) {
	return l.storage.GetRawMaterial(ctx, name)
}

// RawMaterials lists all raw-material balances
func (l *Ledger) RawMaterials(ctx context.Context) ([]RawMaterial, error) {
	return l.storage.ListRawMaterials(ctx)
}

// FinishedGood returns one finished good
func (l *Ledger) FinishedGood(ctx context.Context, productID string) (*FinishedGood, error) {
	return l.storage.GetFinishedGood(ctx, productID)
}

// FinishedGoods lists finished goods, optionally filtered by category
func (l *Ledger) FinishedGoods(ctx context.Context, category string) ([]FinishedGood, error) {
	return l.storage.ListFinishedGoods(ctx, category)
}

// apply locks every key of store up front and writes current+delta for each
// 全キーを先にロックしてから current+delta を書き込む
func (l *Ledger) apply(ctx context.Context, tx Tx, store StockStore, deltas map[string]decimal.Decimal, changeType, reference string, cs *changeSet) (map[string]decimal.Decimal, error) {
	switch store {
	case StoreRawMaterial:
		materials, err := l.applyRaw(ctx, tx, deltas, changeType, reference, cs)
		if err != nil {
			return nil, err
		}
		result := make(map[string]decimal.Decimal, len(materials))
		for name, m := range materials {
			result[name] = m.QuantityKg
		}
		return result, nil
	case StoreFinishedGood:
		goods, err := l.lockGoods(ctx, tx, sortedKeys(deltas)...)
		if err != nil {
			return nil, err
		}
		result := make(map[string]decimal.Decimal, len(goods))
		for _, id := range sortedKeys(deltas) {
			g := goods[id]
			if err := l.shiftGood(ctx, tx, g, deltas[id], changeType, reference, cs); err != nil {
				return nil, err
			}
			result[id] = g.QuantityKg
		}
		return result, nil
	default:
		return nil, NewValidationError("store", "不明な在庫ストアです", string(store))
	}
}

// applyRaw adjusts raw materials inside the caller's transaction; zero deltas are skipped
// 呼び出し元トランザクション内で原材料を増減（ゼロは無視）
func (l *Ledger) applyRaw(ctx context.Context, tx Tx, deltas map[string]decimal.Decimal, changeType, reference string, cs *changeSet) (map[string]*RawMaterial, error) {
	names := make([]string, 0, len(deltas))
	for _, name := range sortedKeys(deltas) {
		if !deltas[name].IsZero() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return map[string]*RawMaterial{}, nil
	}

	materials, err := tx.LockRawMaterials(ctx, names)
	if err != nil {
		return nil, err
	}

	now := l.now()
	for _, name := range names {
		m := materials[name]
		oldQty := m.QuantityKg
		m.QuantityKg = oldQty.Add(deltas[name])
		m.UpdatedAt = now
		if err := tx.UpdateRawMaterial(ctx, m); err != nil {
			return nil, err
		}
		cs.stockChanged(StoreRawMaterial, name, oldQty, m.QuantityKg, changeType, reference, now)
	}

	return materials, nil
}

// lockGoods takes row locks on the given finished goods in a stable order
// 製品行を一定順序でロック
func (l *Ledger) lockGoods(ctx context.Context, tx Tx, productIDs ...string) (map[string]*FinishedGood, error) {
	ids := uniqueSorted(productIDs)
	goods, err := tx.LockFinishedGoods(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := goods[id]; !ok {
			return nil, ErrProductNotFound
		}
	}
	return goods, nil
}

// shiftGood writes g.QuantityKg+delta for a locked finished good
func (l *Ledger) shiftGood(ctx context.Context, tx Tx, g *FinishedGood, delta decimal.Decimal, changeType, reference string, cs *changeSet) error {
	if delta.IsZero() {
		return nil
	}
	return l.setGood(ctx, tx, g, g.QuantityKg.Add(delta), changeType, reference, cs)
}

// setGood overwrites the quantity of a locked finished good; the average cost is left as is
// ロック済み製品の数量を上書き（平均原価はそのまま）
func (l *Ledger) setGood(ctx context.Context, tx Tx, g *FinishedGood, quantityKg decimal.Decimal, changeType, reference string, cs *changeSet) error {
	now := l.now()
	oldQty := g.QuantityKg
	g.QuantityKg = quantityKg
	g.UpdatedAt = now
	if err := tx.UpdateFinishedGood(ctx, g); err != nil {
		return err
	}
	cs.stockChanged(StoreFinishedGood, g.ProductID, oldQty, quantityKg, changeType, reference, now)
	return nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
