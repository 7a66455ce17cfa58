package production_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/pkg/production"
	"github.com/nemonet1337/zaiProduction/pkg/production/storage"
)

var testNow = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func avg(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

// MockPublisher はテスト用のEventPublisherモック
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishBatchEvent(ctx context.Context, event production.BatchEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishStockChanged(ctx context.Context, event production.StockChangedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockLocker はテスト用のLockerモック
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

// fixture seeds a small factory: bulk meatballs with a 250 g retail pack made from them
func fixture(t *testing.T, opts ...production.Option) (*production.Service, *storage.MemoryStorage) {
	t.Helper()

	store := storage.NewMemoryStorage()
	store.PutRawMaterial(production.RawMaterial{Name: "pork", QuantityKg: dec("50"), LastPrice: dec("4")})
	store.PutRawMaterial(production.RawMaterial{Name: "onion", QuantityKg: dec("1"), LastPrice: dec("0.5")})
	store.PutFinishedGood(production.FinishedGood{
		ProductID:      "MB",
		Name:           "Meatball bulk",
		Category:       "frozen",
		DisplayUnit:    production.UnitMass,
		PackageWeightG: decimal.NewNullDecimal(dec("200")),
		QuantityKg:     dec("10"),
		AvgCost:        avg("2"),
	})
	store.PutFinishedGood(production.FinishedGood{
		ProductID:      "MB-250",
		Name:           "Meatball 250g",
		Category:       "frozen",
		DisplayUnit:    production.UnitCount,
		PackageWeightG: decimal.NewNullDecimal(dec("250")),
		RepackSourceID: "MB",
	})
	store.PutFinishedGood(production.FinishedGood{
		ProductID:   "SAUCE",
		Name:        "Sauce",
		Category:    "chilled",
		DisplayUnit: production.UnitMass,
	})

	clock := func() time.Time { return testNow }
	opts = append([]production.Option{production.WithClock(clock)}, opts...)
	return production.NewService(store, zap.NewNop(), nil, opts...), store
}

func createBatch(t *testing.T, svc *production.Service, ingredients ...production.IngredientInput) *production.Batch {
	t.Helper()
	b, err := svc.Batches.CreateBatch(context.Background(), production.CreateBatchRequest{
		ProductID:   "MB",
		PlannedKg:   dec("10"),
		Ingredients: ingredients,
		Worker:      "Yuki Sato",
	})
	require.NoError(t, err)
	return b
}

func rawQty(t *testing.T, svc *production.Service, name string) decimal.Decimal {
	t.Helper()
	m, err := svc.Ledger.RawMaterial(context.Background(), name)
	require.NoError(t, err)
	return m.QuantityKg
}

func good(t *testing.T, svc *production.Service, productID string) *production.FinishedGood {
	t.Helper()
	g, err := svc.Ledger.FinishedGood(context.Background(), productID)
	require.NoError(t, err)
	return g
}

func assertDec(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(expected).Equal(actual), append([]interface{}{"expected %s, got %s", expected, actual.String()}, msgAndArgs...)...)
}

func TestLedger_ConcurrentAdjustIsSerialized(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ledger.Adjust(ctx, production.StoreRawMaterial, "pork", dec("1"), "receipt")
			assert.NoError(t, err)
			_, err = svc.Ledger.Adjust(ctx, production.StoreFinishedGood, "MB", dec("-0.5"), "sample")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertDec(t, "100", rawQty(t, svc, "pork"))
	assertDec(t, "-15", good(t, svc, "MB").QuantityKg)
}

func TestLedger_AdjustManyIsAtomic(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	_, err := svc.Ledger.AdjustMany(ctx, production.StoreFinishedGood, map[string]decimal.Decimal{
		"MB":      dec("5"),
		"UNKNOWN": dec("1"),
	}, "bulk")
	assert.True(t, production.IsNotFound(err))
	assertDec(t, "10", good(t, svc, "MB").QuantityKg)

	result, err := svc.Ledger.AdjustMany(ctx, production.StoreRawMaterial, map[string]decimal.Decimal{
		"pork":  dec("-60"),
		"onion": dec("2"),
	}, "count")
	require.NoError(t, err)
	assertDec(t, "-10", result["pork"])
	assertDec(t, "3", result["onion"])
}

func TestLedger_AdjustRejectsZeroDelta(t *testing.T) {
	svc, _ := fixture(t)
	_, err := svc.Ledger.Adjust(context.Background(), production.StoreRawMaterial, "pork", decimal.Zero, "")
	assert.True(t, production.IsValidation(err))

	// 一括調整でもゼロは拒否され、他のキーも変更されない
	_, err = svc.Ledger.AdjustMany(context.Background(), production.StoreRawMaterial, map[string]decimal.Decimal{
		"pork":  decimal.Zero,
		"onion": dec("1"),
	}, "")
	assert.True(t, production.IsValidation(err))
	assertDec(t, "1", rawQty(t, svc, "onion"))
}

func TestBatch_CreateConsumesAndAllowsNegative(t *testing.T) {
	svc, _ := fixture(t)

	b := createBatch(t, svc,
		production.IngredientInput{Material: "pork", QuantityKg: dec("8")},
		production.IngredientInput{Material: "onion", QuantityKg: dec("2")},
	)

	assert.Equal(t, production.BatchStateInProduction, b.State)
	assert.Equal(t, "MB-20240305-0930-YS", b.ID)
	assertDec(t, "33", b.TotalRawCost) // 8*4 + 2*0.5
	assertDec(t, "42", rawQty(t, svc, "pork"))
	assertDec(t, "-1", rawQty(t, svc, "onion"))

	backlog, err := svc.Ledger.Backlog(context.Background())
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, production.StoreRawMaterial, backlog[0].Store)
	assert.Equal(t, "onion", backlog[0].Key)
}

func TestBatch_CreateUnknownProductChangesNothing(t *testing.T) {
	svc, _ := fixture(t)

	_, err := svc.Batches.CreateBatch(context.Background(), production.CreateBatchRequest{
		ProductID:   "NOPE",
		PlannedKg:   dec("10"),
		Ingredients: []production.IngredientInput{{Material: "pork", QuantityKg: dec("8")}},
	})
	assert.True(t, production.IsValidation(err))
	assertDec(t, "50", rawQty(t, svc, "pork"))
}

func TestBatch_IDsStayUniqueWithinOneMinute(t *testing.T) {
	svc, _ := fixture(t)

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("0.1")})
		seen[b.ID] = struct{}{}
	}
	assert.Len(t, seen, 20)
	_, ok := seen["MB-20240305-0930-YS"]
	assert.True(t, ok)
}

func TestBatch_CancelRestoresStock(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc,
		production.IngredientInput{Material: "pork", QuantityKg: dec("8")},
		production.IngredientInput{Material: "onion", QuantityKg: dec("2")},
	)

	cancelled, err := svc.Batches.CancelBatch(ctx, b.ID, "計量ミス", "")
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateCancelled, cancelled.State)
	assertDec(t, "0", cancelled.TotalRawCost)
	assert.Contains(t, cancelled.Note, "計量ミス")

	assertDec(t, "50", rawQty(t, svc, "pork"))
	assertDec(t, "1", rawQty(t, svc, "onion"))

	lines, err := svc.Batches.Ingredients(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)

	// 取消済みバッチは再度取消できない
	_, err = svc.Batches.CancelBatch(ctx, b.ID, "再取消", "")
	assert.True(t, production.IsBusinessRule(err))
}

func TestBatch_CancelAfterReceptionIsRejected(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("8")})
	_, err := svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitMass, Value: dec("5")})
	require.NoError(t, err)

	// 印刷待ちになったバッチも、差し戻し後のバッチも取消不可
	_, err = svc.Batches.CancelBatch(ctx, b.ID, "取消", "")
	assert.True(t, production.IsBusinessRule(err))
	assertDec(t, "42", rawQty(t, svc, "pork"))
}

func TestBatch_CancelAfterReversedReceptionIsRejected(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("8")})
	_, err := svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitMass, Value: dec("5")})
	require.NoError(t, err)
	_, err = svc.Receiving.ReverseAcceptance(ctx, b.ID, "", "重量誤り")
	require.NoError(t, err)

	batch, err := svc.Batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, production.BatchStateInProduction, batch.State)

	// 取り消された受入も受入履歴として扱う
	_, err = svc.Batches.CancelBatch(ctx, b.ID, "取消", "")
	assert.True(t, production.IsBusinessRule(err))
	assertDec(t, "42", rawQty(t, svc, "pork"))

	batch, err = svc.Batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateInProduction, batch.State)
}

func TestBatch_AmendAppliesOnlyTheDifference(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc,
		production.IngredientInput{Material: "pork", QuantityKg: dec("8")},
		production.IngredientInput{Material: "onion", QuantityKg: dec("0.5")},
	)

	amended, err := svc.Batches.AmendBatch(ctx, b.ID, []production.IngredientInput{
		{Material: "pork", QuantityKg: dec("5")},
		{Material: "salt", QuantityKg: dec("0.2")},
	}, "")
	require.NoError(t, err)

	assertDec(t, "45", rawQty(t, svc, "pork"))
	assertDec(t, "1", rawQty(t, svc, "onion"))
	assertDec(t, "-0.2", rawQty(t, svc, "salt"))
	assertDec(t, "20", amended.TotalRawCost) // 5*4 + 0.2*0（新規原材料は単価0）

	lines, err := svc.Batches.Ingredients(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "pork", lines[0].Material)
	assert.Equal(t, "salt", lines[1].Material)
}

func TestBatch_RejectThenAmend(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("8")})

	rejected, err := svc.Batches.RejectBatch(ctx, b.ID, "配合違い", "")
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateReturnedToProduction, rejected.State)

	_, err = svc.Batches.AmendBatch(ctx, b.ID, []production.IngredientInput{{Material: "pork", QuantityKg: dec("9")}}, "")
	require.NoError(t, err)
	assertDec(t, "41", rawQty(t, svc, "pork"))

	_, err = svc.Batches.RejectBatch(ctx, b.ID, "again", "")
	assert.True(t, production.IsBusinessRule(err))
}

func TestReceiving_OutputInPieces(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("10")})
	_, err := svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitMass, Value: dec("10")})
	require.NoError(t, err)

	out, err := svc.Receiving.Output(ctx, b.ID)
	require.NoError(t, err)
	assertDec(t, "10", out.QuantityKg)
	assertDec(t, "50", out.ExpectedPieces)
}

func TestReceiving_WeightedAverageCost(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	// 原材料費40 / 出来高10kg = 単位原価4、既存 10kg@2 と加重して3
	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("10")})
	_, err := svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitMass, Value: dec("10")})
	require.NoError(t, err)

	g := good(t, svc, "MB")
	assertDec(t, "20", g.QuantityKg)
	require.True(t, g.AvgCost.Valid)
	assertDec(t, "3", g.AvgCost.Decimal)

	batch, err := svc.Batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateAwaitingPrint, batch.State)
	assertDec(t, "4", batch.UnitCost)
	assertDec(t, "10", batch.ActualKg)

	cost, err := svc.Costs.AverageCost(ctx, "MB")
	require.NoError(t, err)
	assertDec(t, "3", cost.Decimal)
}

func TestReceiving_AcceptInPiecesNeedsWeight(t *testing.T) {
	svc, store := fixture(t)
	ctx := context.Background()

	b, err := svc.Batches.CreateBatch(ctx, production.CreateBatchRequest{
		ProductID:   "SAUCE",
		PlannedKg:   dec("5"),
		Ingredients: []production.IngredientInput{{Material: "onion", QuantityKg: dec("1")}},
	})
	require.NoError(t, err)

	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitCount, Value: dec("10")})
	assert.ErrorIs(t, err, production.ErrPackageWeightUnset)

	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.Unit(""), Value: dec("10")})
	assert.ErrorIs(t, err, production.ErrAmbiguousUnit)

	// 失敗した受入は何も残さない
	receptions, err := store.ListReceptions(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Empty(t, receptions)

	// 質量表示の製品は想定個数0で出来高を返す
	out, err := svc.Receiving.Output(ctx, b.ID)
	require.NoError(t, err)
	assertDec(t, "0", out.ExpectedPieces)
}

func TestReceiving_ReverseLatest(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("10")})
	_, err := svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitMass, Value: dec("6")})
	require.NoError(t, err)
	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b.ID, Unit: production.UnitCount, Value: dec("20")})
	require.NoError(t, err)
	assertDec(t, "20", good(t, svc, "MB").QuantityKg) // 10 + 6 + 20*0.2

	reversed, err := svc.Receiving.ReverseAcceptance(ctx, b.ID, "", "個数誤り")
	require.NoError(t, err)
	assertDec(t, "4", reversed.QuantityKg)
	assert.True(t, reversed.Deleted)

	assertDec(t, "16", good(t, svc, "MB").QuantityKg)
	batch, err := svc.Batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateInProduction, batch.State)
	assertDec(t, "6", batch.ActualKg)

	all, err := svc.Receiving.Receptions(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// 製造中に戻ったバッチは受入取消の対象外
	_, err = svc.Receiving.ReverseAcceptance(ctx, b.ID, "", "again")
	assert.True(t, production.IsBusinessRule(err))
}

func TestReceiving_ReversePlannedBatchIsNotChargedTwice(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	planned, err := svc.Batches.PlanBatch(ctx, production.PlanBatchRequest{ProductID: "MB", PlannedKg: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, production.BatchStatePlanned, planned.State)
	assertDec(t, "50", rawQty(t, svc, "pork"))

	ingredients := []production.IngredientInput{{Material: "pork", QuantityKg: dec("8")}}
	_, err = svc.Batches.StartBatch(ctx, planned.ID, ingredients, "")
	require.NoError(t, err)
	assertDec(t, "42", rawQty(t, svc, "pork"))

	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: planned.ID, Unit: production.UnitMass, Value: dec("8")})
	require.NoError(t, err)
	_, err = svc.Receiving.ReverseAcceptance(ctx, planned.ID, "", "誤受入")
	require.NoError(t, err)

	batch, err := svc.Batches.GetBatch(ctx, planned.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStatePlanned, batch.State)

	restarted, err := svc.Batches.StartBatch(ctx, planned.ID, ingredients, "")
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateInProduction, restarted.State)
	assertDec(t, "42", rawQty(t, svc, "pork"))
	assertDec(t, "32", restarted.TotalRawCost)
}

func TestReceiving_CloseDay(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	closed, err := svc.Receiving.CloseDay(ctx, testNow, "")
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	b1 := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("1")})
	b2 := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("1")})
	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: b1.ID, Unit: production.UnitMass, Value: dec("1")})
	require.NoError(t, err)

	closed, err = svc.Receiving.CloseDay(ctx, testNow.Add(5*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	done, err := svc.Batches.GetBatch(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateCompleted, done.State)
	assert.NotNil(t, done.FinishedAt)

	open, err := svc.Batches.GetBatch(ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateInProduction, open.State)

	_, err = svc.Receiving.CloseDay(ctx, time.Time{}, "")
	assert.True(t, production.IsValidation(err))
}

func TestReceiving_CloseDayHonoursLock(t *testing.T) {
	locker := new(MockLocker)
	svc, _ := fixture(t, production.WithLocker(locker))
	ctx := context.Background()

	locker.On("Obtain", mock.Anything, "production:close-day:2024-03-05", time.Minute).
		Return(nil, production.ErrLockNotObtained).Once()
	_, err := svc.Receiving.CloseDay(ctx, testNow, "")
	assert.True(t, production.IsBusinessRule(err))

	released := false
	locker.On("Obtain", mock.Anything, "production:close-day:2024-03-05", time.Minute).
		Return(func() { released = true }, nil).Once()
	_, err = svc.Receiving.CloseDay(ctx, testNow, "")
	require.NoError(t, err)
	assert.True(t, released)

	locker.AssertExpectations(t)
}

func TestRepackaging_ReserveAndSettle(t *testing.T) {
	svc, store := fixture(t)
	ctx := context.Background()

	_, err := svc.Ledger.Adjust(ctx, production.StoreFinishedGood, "MB", dec("20"), "count")
	require.NoError(t, err)
	store.PutFinishedGood(func() production.FinishedGood {
		g := good(t, svc, "MB")
		g.AvgCost = avg("3")
		return *g
	}())

	job, err := svc.Repackaging.Start(ctx, production.StartRepackagingRequest{
		TargetProductID: "MB-250",
		Quantity:        dec("100"),
		Unit:            production.UnitCount,
		OrderRef:        "ORD-1",
	})
	require.NoError(t, err)
	assert.Equal(t, production.BatchKindRepackaging, job.Kind)
	assert.Equal(t, production.BatchStateRepackagingInProgress, job.State)
	assert.Equal(t, "RP-MB250-20240305-0930-S", job.ID)
	require.NotNil(t, job.Repackaging)
	assertDec(t, "25", job.Repackaging.ReservedKg)
	assertDec(t, "100", job.Repackaging.PlannedPieces)
	assertDec(t, "5", good(t, svc, "MB").QuantityKg)

	done, err := svc.Repackaging.Finalize(ctx, job.ID, dec("90"), production.UnitCount, "")
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateCompleted, done.State)
	assertDec(t, "22.5", done.ActualKg)

	assertDec(t, "7.5", good(t, svc, "MB").QuantityKg) // 5 + (25 - 22.5)
	target := good(t, svc, "MB-250")
	assertDec(t, "22.5", target.QuantityKg)
	require.True(t, target.AvgCost.Valid)
	assertDec(t, "3", target.AvgCost.Decimal)

	// 確定済みジョブは再確定できない
	_, err = svc.Repackaging.Finalize(ctx, job.ID, dec("1"), production.UnitCount, "")
	assert.True(t, production.IsBusinessRule(err))
}

func TestRepackaging_OverProductionDebitsSource(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	job, err := svc.Repackaging.Start(ctx, production.StartRepackagingRequest{
		TargetProductID: "MB-250",
		Quantity:        dec("10"),
		Unit:            production.UnitCount,
	})
	require.NoError(t, err)
	assertDec(t, "2.5", job.Repackaging.ReservedKg)
	assertDec(t, "7.5", good(t, svc, "MB").QuantityKg)

	done, err := svc.Repackaging.Finalize(ctx, job.ID, dec("12"), production.UnitCount, "")
	require.NoError(t, err)
	assertDec(t, "3", done.ActualKg)

	assertDec(t, "7", good(t, svc, "MB").QuantityKg) // 7.5 - (3 - 2.5)
	target := good(t, svc, "MB-250")
	assertDec(t, "3", target.QuantityKg)
	require.True(t, target.AvgCost.Valid)
	assertDec(t, "2", target.AvgCost.Decimal)
}

func TestRepackaging_CancelReturnsReservation(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	job, err := svc.Repackaging.Start(ctx, production.StartRepackagingRequest{
		TargetProductID: "MB-250",
		Quantity:        dec("15"),
		Unit:            production.UnitMass,
	})
	require.NoError(t, err)
	assertDec(t, "60", job.Repackaging.PlannedPieces)
	assertDec(t, "-5", good(t, svc, "MB").QuantityKg)

	cancelled, err := svc.Repackaging.Cancel(ctx, job.ID, "受注取消", "")
	require.NoError(t, err)
	assert.Equal(t, production.BatchStateCancelled, cancelled.State)
	assertDec(t, "10", good(t, svc, "MB").QuantityKg)
}

func TestRepackaging_Errors(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	_, err := svc.Repackaging.Start(ctx, production.StartRepackagingRequest{
		TargetProductID: "SAUCE",
		Quantity:        dec("1"),
		Unit:            production.UnitMass,
	})
	assert.ErrorIs(t, err, production.ErrNoRepackSource)

	_, err = svc.Repackaging.Start(ctx, production.StartRepackagingRequest{
		TargetProductID: "MB-250",
		Quantity:        dec("1"),
	})
	assert.ErrorIs(t, err, production.ErrAmbiguousUnit)

	// 通常バッチは小分けとして確定できず、小分けジョブは受入できない
	b := createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("1")})
	_, err = svc.Repackaging.Finalize(ctx, b.ID, dec("1"), production.UnitMass, "")
	assert.True(t, production.IsBusinessRule(err))

	job, err := svc.Repackaging.Start(ctx, production.StartRepackagingRequest{TargetProductID: "MB-250", Quantity: dec("4"), Unit: production.UnitCount})
	require.NoError(t, err)
	_, err = svc.Receiving.AcceptLine(ctx, production.AcceptRequest{BatchID: job.ID, Unit: production.UnitMass, Value: dec("1")})
	assert.True(t, production.IsBusinessRule(err))
}

func TestRepackaging_PlanDemand(t *testing.T) {
	svc, _ := fixture(t)
	due1 := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	due2 := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	proposals, err := svc.Repackaging.PlanDemand(context.Background(), []production.DemandLine{
		{OrderNumber: "A-1", DueDate: due1, Quantity: dec("40"), Unit: production.UnitCount, TargetProductID: "MB-250"},
		{OrderNumber: "A-2", DueDate: due2, Quantity: dec("2"), Unit: production.UnitMass, TargetProductID: "MB-250"},
	})
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	p := proposals[0]
	assert.Equal(t, "MB", p.SourceProductID)
	assertDec(t, "48", p.Pieces)
	assertDec(t, "12", p.RequiredKg)
	assert.True(t, p.EarliestDue.Equal(due2))
	assert.Equal(t, []string{"A-1", "A-2"}, p.Orders)

	// 集計だけで在庫は動かない
	assertDec(t, "10", good(t, svc, "MB").QuantityKg)
}

func TestReconciliation_CountOverwritesStock(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	_, err := svc.Ledger.Adjust(ctx, production.StoreFinishedGood, "MB", dec("40"), "count")
	require.NoError(t, err)

	draft, err := svc.Reconciliation.OpenDraft(ctx, "")
	require.NoError(t, err)
	again, err := svc.Reconciliation.OpenDraft(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, again.ID)

	// MB: 帳簿50kg@2 → 実数47kg
	counted := dec("47")
	lines, err := svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "MB", Unit: production.UnitMass, Value: &counted},
		{ProductID: "MB-250", Unit: production.UnitCount, Value: nil},
	}, "frozen", "")
	require.NoError(t, err)
	require.Len(t, lines, 1)

	line := lines[0]
	assertDec(t, "50", line.SystemKg)
	assertDec(t, "47", line.PhysicalKg)
	assertDec(t, "-3", line.DeltaKg)
	assertDec(t, "-6", line.Value)

	g := good(t, svc, "MB")
	assertDec(t, "47", g.QuantityKg)
	assertDec(t, "2", g.AvgCost.Decimal)

	finished, err := svc.Reconciliation.FinishDraft(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, production.SnapshotStatusCompleted, finished.Status)

	snapshot, err := svc.Reconciliation.Snapshot(ctx, draft.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot.Lines, 1)

	_, err = svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "MB", Unit: production.UnitMass, Value: &counted},
	}, "frozen", "")
	assert.True(t, production.IsBusinessRule(err))

	none, err := svc.Reconciliation.FinishDraft(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReconciliation_RecountKeepsBookQuantity(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	draft, err := svc.Reconciliation.OpenDraft(ctx, "")
	require.NoError(t, err)

	first := dec("8")
	lines, err := svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "MB", Unit: production.UnitMass, Value: &first},
	}, "frozen", "")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assertDec(t, "10", lines[0].SystemKg)
	assertDec(t, "-2", lines[0].DeltaKg)
	assertDec(t, "-4", lines[0].Value)

	// 再計数: 差異は最初の帳簿数量10kgに対して計算される
	second := dec("9")
	lines, err = svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "MB", Unit: production.UnitMass, Value: &second},
	}, "frozen", "")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assertDec(t, "10", lines[0].SystemKg)
	assertDec(t, "9", lines[0].PhysicalKg)
	assertDec(t, "-1", lines[0].DeltaKg)
	assertDec(t, "-2", lines[0].Value)
	assertDec(t, "9", good(t, svc, "MB").QuantityKg)

	snapshot, err := svc.Reconciliation.Snapshot(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Lines, 1)
	assertDec(t, "-1", snapshot.Lines[0].DeltaKg)
}

func TestReconciliation_VarianceValuedAtAverage(t *testing.T) {
	svc, store := fixture(t)
	ctx := context.Background()

	store.PutFinishedGood(production.FinishedGood{
		ProductID:   "DUMPLING",
		Category:    "frozen",
		DisplayUnit: production.UnitMass,
		QuantityKg:  dec("50"),
		AvgCost:     avg("3"),
	})

	draft, err := svc.Reconciliation.OpenDraft(ctx, "")
	require.NoError(t, err)

	counted := dec("47")
	lines, err := svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "DUMPLING", Unit: production.UnitMass, Value: &counted},
	}, "", "")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assertDec(t, "-3", lines[0].DeltaKg)
	assertDec(t, "-9", lines[0].Value)
	assert.Equal(t, "frozen", lines[0].Category)

	// 同じ製品を再計数すると明細は置き換わる
	recount := dec("48")
	_, err = svc.Reconciliation.SaveCategory(ctx, draft.ID, []production.CountItem{
		{ProductID: "DUMPLING", Unit: production.UnitMass, Value: &recount},
	}, "", "")
	require.NoError(t, err)

	snapshot, err := svc.Reconciliation.Snapshot(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Lines, 1)
	assertDec(t, "48", snapshot.Lines[0].PhysicalKg)
	assertDec(t, "1", snapshot.Lines[0].DeltaKg)
}

func TestService_PublishesAfterCommit(t *testing.T) {
	publisher := new(MockPublisher)
	svc, _ := fixture(t, production.WithPublisher(publisher))
	ctx := production.WithUser(context.Background(), "operator-1")

	publisher.On("PublishStockChanged", mock.Anything, mock.MatchedBy(func(e production.StockChangedEvent) bool {
		return e.Store == production.StoreRawMaterial && e.Key == "pork" && e.NewQuantity == "42" && e.UserID == "operator-1"
	})).Return(nil).Once()
	publisher.On("PublishBatchEvent", mock.Anything, mock.MatchedBy(func(e production.BatchEvent) bool {
		return e.Type == production.EventBatchCreated && e.State == production.BatchStateInProduction
	})).Return(errors.New("redis down")).Once()

	// 発行失敗は操作を失敗させない
	b, err := svc.Batches.CreateBatch(ctx, production.CreateBatchRequest{
		ProductID:   "MB",
		PlannedKg:   dec("10"),
		Ingredients: []production.IngredientInput{{Material: "pork", QuantityKg: dec("8")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "operator-1", b.Worker)

	publisher.AssertExpectations(t)
}

func TestService_FailedOperationPublishesNothing(t *testing.T) {
	publisher := new(MockPublisher)
	svc, _ := fixture(t, production.WithPublisher(publisher))

	_, err := svc.Batches.CancelBatch(context.Background(), "MISSING", "reason", "")
	assert.True(t, production.IsNotFound(err))

	publisher.AssertNotCalled(t, "PublishBatchEvent", mock.Anything, mock.Anything)
	publisher.AssertNotCalled(t, "PublishStockChanged", mock.Anything, mock.Anything)
}

func TestService_ListBatches(t *testing.T) {
	svc, _ := fixture(t)
	ctx := context.Background()

	createBatch(t, svc, production.IngredientInput{Material: "pork", QuantityKg: dec("1")})
	_, err := svc.Batches.PlanBatch(ctx, production.PlanBatchRequest{ProductID: "SAUCE", PlannedKg: dec("3")})
	require.NoError(t, err)

	day := testNow.Add(3 * time.Hour)
	all, err := svc.Batches.ListBatches(ctx, production.BatchFilter{Date: &day})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	planned, err := svc.Batches.ListBatches(ctx, production.BatchFilter{State: production.BatchStatePlanned})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, "SAUCE", planned[0].ProductID)
}
