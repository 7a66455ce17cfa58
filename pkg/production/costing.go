package production

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CostAccountant computes per-batch unit cost and the running weighted-average
// cost of finished goods. The average is only ever moved forward: reversals
// correct quantities and never try to unmix a historical average.
// バッチ単位原価と製品の移動加重平均原価を計算（平均は前進のみ）
type CostAccountant struct {
	*core
}

// UnitCost returns totalRawCost / producedKg, or zero when nothing was produced
// kg当たり原価を計算（生産量ゼロなら0）
func UnitCost(totalRawCost, producedKg decimal.Decimal) decimal.Decimal {
	if !producedKg.IsPositive() {
		return decimal.Zero
	}
	return totalRawCost.Div(producedKg)
}

// BlendAverage folds addedKg at unitCost into an existing average.
// Falls back to unitCost when the old average is undefined or the resulting quantity is not positive.
// 加重平均原価を更新（旧平均が未定義、または合計数量が0以下ならunitCostを採用）
func BlendAverage(oldAvg decimal.NullDecimal, oldQty, unitCost, addedKg decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(addedKg)
	if !oldAvg.Valid || !total.IsPositive() {
		return unitCost
	}
	return oldAvg.Decimal.Mul(oldQty).Add(unitCost.Mul(addedKg)).Div(total)
}

// MaterialCost sums last-known price × quantity for a set of ingredient lines
// 原材料費合計（最終単価 × 消費量）
func MaterialCost(lines []IngredientLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.UnitPrice.Mul(line.QuantityKg))
	}
	return total
}

// ValueOf returns quantityKg valued at the good's average cost (zero when undefined)
// 平均原価で評価した金額
func ValueOf(g *FinishedGood, quantityKg decimal.Decimal) decimal.Decimal {
	if !g.AvgCost.Valid {
		return decimal.Zero
	}
	return quantityKg.Mul(g.AvgCost.Decimal)
}

// applyAcceptance recomputes the batch unit cost from the cumulative live output and
// blends addedKg into the good's average. Must run before the good's quantity is incremented.
// 受入時の原価計算（製品数量を加算する前に呼ぶこと）
func (c *CostAccountant) applyAcceptance(ctx context.Context, tx Tx, b *Batch, g *FinishedGood, addedKg decimal.Decimal) error {
	cumulative, err := tx.SumReceptions(ctx, b.ID)
	if err != nil {
		return err
	}

	b.ActualKg = cumulative
	b.UnitCost = UnitCost(b.TotalRawCost, cumulative)

	oldAvg := g.AvgCost
	g.AvgCost = decimal.NewNullDecimal(BlendAverage(g.AvgCost, g.QuantityKg, b.UnitCost, addedKg))

	c.logger.Debug("平均原価更新",
		zap.String("batch_id", b.ID),
		zap.String("product_id", g.ProductID),
		zap.String("unit_cost", b.UnitCost.String()),
		zap.String("old_avg", nullString(oldAvg)),
		zap.String("new_avg", g.AvgCost.Decimal.String()),
	)

	return nil
}

// refreshBatchCost recomputes actual output and unit cost from live receptions only
// 有効な受入のみから実績数量と単位原価を再計算
func (c *CostAccountant) refreshBatchCost(ctx context.Context, tx Tx, b *Batch) error {
	cumulative, err := tx.SumReceptions(ctx, b.ID)
	if err != nil {
		return err
	}
	b.ActualKg = cumulative
	b.UnitCost = UnitCost(b.TotalRawCost, cumulative)
	return nil
}

// AverageCost returns the current average cost of a finished good
// 製品の現在の平均原価を取得
func (c *CostAccountant) AverageCost(ctx context.Context, productID string) (decimal.NullDecimal, error) {
	g, err := c.storage.GetFinishedGood(ctx, productID)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return g.AvgCost, nil
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "undefined"
	}
	return d.Decimal.String()
}
