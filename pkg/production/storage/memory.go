package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

// MemoryStorage implements production.Storage in process memory.
// A transaction holds the store mutex from start to commit and works on a copy
// of the state, so concurrent transactions are serialized and a failed one leaves
// nothing behind. Used by tests and the examples.
// メモリ上のStorage実装（トランザクションは直列化され、失敗時は何も残らない）
type MemoryStorage struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	raw           map[string]production.RawMaterial
	goods         map[string]production.FinishedGood
	batches       map[string]production.Batch
	lines         map[string][]production.IngredientLine
	receptions    []production.Reception
	snapshots     map[string]production.Snapshot
	snapshotLines map[string]map[string]production.SnapshotLine
}

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		state: &memoryState{
			raw:           make(map[string]production.RawMaterial),
			goods:         make(map[string]production.FinishedGood),
			batches:       make(map[string]production.Batch),
			lines:         make(map[string][]production.IngredientLine),
			snapshots:     make(map[string]production.Snapshot),
			snapshotLines: make(map[string]map[string]production.SnapshotLine),
		},
	}
}

// PutFinishedGood registers or replaces a finished good, as the master data import would
// 製品マスタを登録（取込処理の代替）
func (s *MemoryStorage) PutFinishedGood(g production.FinishedGood) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	s.state.goods[g.ProductID] = g
}

// PutRawMaterial registers or replaces a raw material balance and price
// 原材料在庫と単価を登録
func (s *MemoryStorage) PutRawMaterial(m production.RawMaterial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	s.state.raw[m.Name] = m
}

// WithTx runs fn on a private copy of the state and publishes it only when fn succeeds
// 状態のコピー上でfnを実行し、成功時のみ反映
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *MemoryStorage) GetBatch(ctx context.Context, batchID string) (*production.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.batches[batchID]
	if !ok {
		return nil, production.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (s *MemoryStorage) ListBatches(ctx context.Context, filter production.BatchFilter) ([]production.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []production.Batch
	for _, b := range s.state.batches {
		if filter.Date != nil && !b.ProductionDate.Equal(*filter.Date) {
			continue
		}
		if filter.State != "" && b.State != filter.State {
			continue
		}
		if filter.ProductID != "" && b.ProductID != filter.ProductID {
			continue
		}
		if filter.Kind != "" && b.Kind != filter.Kind {
			continue
		}
		batches = append(batches, *copyBatch(b))
	}
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ProductionDate.Equal(batches[j].ProductionDate) {
			return batches[i].ProductionDate.After(batches[j].ProductionDate)
		}
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.After(batches[j].CreatedAt)
		}
		return batches[i].ID > batches[j].ID
	})
	return batches, nil
}

func (s *MemoryStorage) ListIngredientLines(ctx context.Context, batchID string) ([]production.IngredientLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]production.IngredientLine(nil), s.state.lines[batchID]...), nil
}

func (s *MemoryStorage) GetRawMaterial(ctx context.Context, name string) (*production.RawMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.raw[name]
	if !ok {
		return nil, production.ErrMaterialNotFound
	}
	return &m, nil
}

func (s *MemoryStorage) ListRawMaterials(ctx context.Context) ([]production.RawMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	materials := make([]production.RawMaterial, 0, len(s.state.raw))
	for _, m := range s.state.raw {
		materials = append(materials, m)
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i].Name < materials[j].Name })
	return materials, nil
}

func (s *MemoryStorage) GetFinishedGood(ctx context.Context, productID string) (*production.FinishedGood, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.state.goods[productID]
	if !ok {
		return nil, production.ErrProductNotFound
	}
	return &g, nil
}

func (s *MemoryStorage) ListFinishedGoods(ctx context.Context, category string) ([]production.FinishedGood, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	goods := make([]production.FinishedGood, 0, len(s.state.goods))
	for _, g := range s.state.goods {
		if category != "" && g.Category != category {
			continue
		}
		goods = append(goods, g)
	}
	sort.Slice(goods, func(i, j int) bool { return goods[i].ProductID < goods[j].ProductID })
	return goods, nil
}

func (s *MemoryStorage) ListNegativeBalances(ctx context.Context) ([]production.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []production.BacklogEntry
	for name, m := range s.state.raw {
		if m.QuantityKg.IsNegative() {
			entries = append(entries, production.BacklogEntry{Store: production.StoreRawMaterial, Key: name, QuantityKg: m.QuantityKg})
		}
	}
	for id, g := range s.state.goods {
		if g.QuantityKg.IsNegative() {
			entries = append(entries, production.BacklogEntry{Store: production.StoreFinishedGood, Key: id, QuantityKg: g.QuantityKg})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Store != entries[j].Store {
			return entries[i].Store < entries[j].Store
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (s *MemoryStorage) ListReceptions(ctx context.Context, batchID string, includeDeleted bool) ([]production.Reception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var receptions []production.Reception
	for _, r := range s.state.receptions {
		if r.BatchID != batchID || (r.Deleted && !includeDeleted) {
			continue
		}
		receptions = append(receptions, r)
	}
	return receptions, nil
}

func (s *MemoryStorage) ListReceptionsByDate(ctx context.Context, date time.Time) ([]production.Reception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var receptions []production.Reception
	for _, r := range s.state.receptions {
		if r.Deleted || !r.Date.Equal(date) {
			continue
		}
		receptions = append(receptions, r)
	}
	return receptions, nil
}

func (s *MemoryStorage) GetSnapshot(ctx context.Context, snapshotID string) (*production.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.state.snapshots[snapshotID]
	if !ok {
		return nil, production.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (s *MemoryStorage) ListSnapshotLines(ctx context.Context, snapshotID string) ([]production.SnapshotLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]production.SnapshotLine, 0, len(s.state.snapshotLines[snapshotID]))
	for _, line := range s.state.snapshotLines[snapshotID] {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Category != lines[j].Category {
			return lines[i].Category < lines[j].Category
		}
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStorage) Close() error {
	return nil
}

// memoryTx implements production.Tx on a working copy; the store mutex is the lock
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) LockRawMaterials(ctx context.Context, names []string) (map[string]*production.RawMaterial, error) {
	result := make(map[string]*production.RawMaterial, len(names))
	for _, name := range names {
		m, ok := t.state.raw[name]
		if !ok {
			m = production.RawMaterial{Name: name, QuantityKg: decimal.Zero, LastPrice: decimal.Zero}
			t.state.raw[name] = m
		}
		result[name] = &m
	}
	return result, nil
}

func (t *memoryTx) UpdateRawMaterial(ctx context.Context, m *production.RawMaterial) error {
	t.state.raw[m.Name] = *m
	return nil
}

func (t *memoryTx) LockFinishedGoods(ctx context.Context, productIDs []string) (map[string]*production.FinishedGood, error) {
	result := make(map[string]*production.FinishedGood, len(productIDs))
	for _, id := range productIDs {
		if g, ok := t.state.goods[id]; ok {
			result[id] = &g
		}
	}
	return result, nil
}

func (t *memoryTx) UpdateFinishedGood(ctx context.Context, g *production.FinishedGood) error {
	if _, ok := t.state.goods[g.ProductID]; !ok {
		return production.ErrProductNotFound
	}
	t.state.goods[g.ProductID] = *g
	return nil
}

func (t *memoryTx) InsertBatch(ctx context.Context, b *production.Batch) error {
	if _, ok := t.state.batches[b.ID]; ok {
		return production.ErrDuplicateBatchID
	}
	t.state.batches[b.ID] = *copyBatch(*b)
	return nil
}

func (t *memoryTx) LockBatch(ctx context.Context, batchID string) (*production.Batch, error) {
	b, ok := t.state.batches[batchID]
	if !ok {
		return nil, production.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (t *memoryTx) LockBatchesByDateAndState(ctx context.Context, date time.Time, state production.BatchState) ([]production.Batch, error) {
	var batches []production.Batch
	for _, b := range t.state.batches {
		if b.State == state && b.ProductionDate.Equal(date) {
			batches = append(batches, *copyBatch(b))
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches, nil
}

func (t *memoryTx) UpdateBatch(ctx context.Context, b *production.Batch) error {
	if _, ok := t.state.batches[b.ID]; !ok {
		return production.ErrBatchNotFound
	}
	t.state.batches[b.ID] = *copyBatch(*b)
	return nil
}

func (t *memoryTx) IngredientLines(ctx context.Context, batchID string) ([]production.IngredientLine, error) {
	return append([]production.IngredientLine(nil), t.state.lines[batchID]...), nil
}

func (t *memoryTx) InsertIngredientLines(ctx context.Context, lines []production.IngredientLine) error {
	for _, line := range lines {
		if _, ok := t.state.raw[line.Material]; !ok {
			return production.ErrMaterialNotFound
		}
		t.state.lines[line.BatchID] = append(t.state.lines[line.BatchID], line)
	}
	return nil
}

func (t *memoryTx) DeleteIngredientLines(ctx context.Context, batchID string) error {
	delete(t.state.lines, batchID)
	return nil
}

func (t *memoryTx) InsertReception(ctx context.Context, r *production.Reception) error {
	t.state.receptions = append(t.state.receptions, *r)
	return nil
}

func (t *memoryTx) LockLatestReception(ctx context.Context, batchID string) (*production.Reception, error) {
	// 追記順に並んでいるため末尾から探す
	for i := len(t.state.receptions) - 1; i >= 0; i-- {
		r := t.state.receptions[i]
		if r.BatchID == batchID && !r.Deleted {
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) MarkReceptionDeleted(ctx context.Context, r *production.Reception) error {
	for i := range t.state.receptions {
		existing := &t.state.receptions[i]
		if existing.ID != r.ID {
			continue
		}
		if existing.Deleted {
			return production.ErrNoReception
		}
		existing.Deleted = true
		existing.DeletedAt = r.DeletedAt
		existing.DeletedBy = r.DeletedBy
		existing.DeleteReason = r.DeleteReason
		return nil
	}
	return production.ErrNoReception
}

func (t *memoryTx) SumReceptions(ctx context.Context, batchID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range t.state.receptions {
		if r.BatchID == batchID && !r.Deleted {
			total = total.Add(r.QuantityKg)
		}
	}
	return total, nil
}

func (t *memoryTx) CountReceptions(ctx context.Context, batchID string, includeDeleted bool) (int, error) {
	count := 0
	for _, r := range t.state.receptions {
		if r.BatchID == batchID && (includeDeleted || !r.Deleted) {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) LockDraftSnapshot(ctx context.Context) (*production.Snapshot, error) {
	var draft *production.Snapshot
	for _, snap := range t.state.snapshots {
		if snap.Status != production.SnapshotStatusDraft {
			continue
		}
		if draft == nil || snap.CreatedAt.Before(draft.CreatedAt) {
			s := snap
			draft = &s
		}
	}
	return draft, nil
}

func (t *memoryTx) LockSnapshot(ctx context.Context, snapshotID string) (*production.Snapshot, error) {
	snap, ok := t.state.snapshots[snapshotID]
	if !ok {
		return nil, production.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (t *memoryTx) InsertSnapshot(ctx context.Context, s *production.Snapshot) error {
	if s.Status == production.SnapshotStatusDraft {
		for _, existing := range t.state.snapshots {
			if existing.Status == production.SnapshotStatusDraft {
				return production.ErrDraftSnapshotExists
			}
		}
	}
	t.state.snapshots[s.ID] = *s
	return nil
}

func (t *memoryTx) UpdateSnapshot(ctx context.Context, s *production.Snapshot) error {
	if _, ok := t.state.snapshots[s.ID]; !ok {
		return production.ErrSnapshotNotFound
	}
	t.state.snapshots[s.ID] = *s
	return nil
}

func (t *memoryTx) SnapshotLine(ctx context.Context, snapshotID, productID string) (*production.SnapshotLine, error) {
	line, ok := t.state.snapshotLines[snapshotID][productID]
	if !ok {
		return nil, nil
	}
	return &line, nil
}

func (t *memoryTx) ReplaceSnapshotLine(ctx context.Context, line *production.SnapshotLine) error {
	lines, ok := t.state.snapshotLines[line.SnapshotID]
	if !ok {
		lines = make(map[string]production.SnapshotLine)
		t.state.snapshotLines[line.SnapshotID] = lines
	}
	lines[line.ProductID] = *line
	return nil
}

// clone deep-copies the state so a failed transaction can be discarded
func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		raw:           make(map[string]production.RawMaterial, len(st.raw)),
		goods:         make(map[string]production.FinishedGood, len(st.goods)),
		batches:       make(map[string]production.Batch, len(st.batches)),
		lines:         make(map[string][]production.IngredientLine, len(st.lines)),
		receptions:    append([]production.Reception(nil), st.receptions...),
		snapshots:     make(map[string]production.Snapshot, len(st.snapshots)),
		snapshotLines: make(map[string]map[string]production.SnapshotLine, len(st.snapshotLines)),
	}
	for k, v := range st.raw {
		c.raw[k] = v
	}
	for k, v := range st.goods {
		c.goods[k] = v
	}
	for k, v := range st.batches {
		c.batches[k] = *copyBatch(v)
	}
	for k, v := range st.lines {
		c.lines[k] = append([]production.IngredientLine(nil), v...)
	}
	for k, v := range st.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range st.snapshotLines {
		lines := make(map[string]production.SnapshotLine, len(v))
		for pk, line := range v {
			lines[pk] = line
		}
		c.snapshotLines[k] = lines
	}
	return c
}

func copyBatch(b production.Batch) *production.Batch {
	if b.Repackaging != nil {
		meta := *b.Repackaging
		b.Repackaging = &meta
	}
	return &b
}
