package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

const dateLayout = "2006-01-02"

// Handlers holds HTTP handlers for the production API
// 製造API用のHTTPハンドラーを保持
type Handlers struct {
	service  *production.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(service *production.Service, logger *zap.Logger) *Handlers {
	return &Handlers{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// IngredientRequest is one ingredient line in a request body
type IngredientRequest struct {
	Material   string          `json:"material" validate:"required,max=500"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
}

// CreateBatchRequest represents request to register a batch in production
// 製造バッチ登録リクエストを表現
type CreateBatchRequest struct {
	ProductID   string              `json:"product_id" validate:"required,max=255"`
	PlannedKg   decimal.Decimal     `json:"planned_kg"`
	Date        string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Ingredients []IngredientRequest `json:"ingredients" validate:"required,min=1,dive"`
	Note        string              `json:"note" validate:"max=1000"`
}

// PlanBatchRequest represents request to plan a batch
// バッチ計画リクエストを表現
type PlanBatchRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=255"`
	PlannedKg decimal.Decimal `json:"planned_kg"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note      string          `json:"note" validate:"max=1000"`
}

// IngredientsRequest represents request to start or amend a batch
// 原材料指定リクエストを表現
type IngredientsRequest struct {
	Ingredients []IngredientRequest `json:"ingredients" validate:"required,min=1,dive"`
}

// ReasonRequest carries a free-text reason
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// AcceptRequest represents request to accept output against a batch
// 受入リクエストを表現
type AcceptRequest struct {
	Unit  string          `json:"unit" validate:"required,oneof=kg pcs"`
	Value decimal.Decimal `json:"value"`
	Note  string          `json:"note" validate:"max=1000"`
	Date  string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// CloseDayRequest represents request to close a production day
// 日締めリクエストを表現
type CloseDayRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// StartRepackagingRequest represents request to start a repackaging job
// 小分け開始リクエストを表現
type StartRepackagingRequest struct {
	TargetProductID string          `json:"target_product_id" validate:"required,max=255"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit" validate:"required,oneof=kg pcs"`
	Date            string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	OrderRef        string          `json:"order_ref" validate:"max=255"`
}

// FinalizeRepackagingRequest represents request to finalize a repackaging job
// 小分け確定リクエストを表現
type FinalizeRepackagingRequest struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit" validate:"required,oneof=kg pcs"`
}

// PlanRepackagingRequest carries repackaging demand from order intake
// 小分け需要リクエストを表現
type PlanRepackagingRequest struct {
	Lines []production.DemandLine `json:"lines" validate:"required,min=1,dive"`
}

// AdjustStockRequest represents request to adjust stock
// 在庫調整リクエストを表現
type AdjustStockRequest struct {
	Store     string          `json:"store" validate:"required,oneof=raw_material finished_good"`
	Key       string          `json:"key" validate:"required"`
	Delta     decimal.Decimal `json:"delta"`
	Reference string          `json:"reference" validate:"max=255"`
}

// SaveCategoryRequest carries the physical counts for one category
// カテゴリ棚卸リクエストを表現
type SaveCategoryRequest struct {
	Items []production.CountItem `json:"items" validate:"required,min=1"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiProduction",
		},
	})
}

// CreateBatch handles batch registration requests
// バッチ登録リクエストを処理
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	batch, err := h.service.Batches.CreateBatch(h.userContext(r), production.CreateBatchRequest{
		ProductID:   req.ProductID,
		PlannedKg:   req.PlannedKg,
		Date:        date,
		Ingredients: toIngredients(req.Ingredients),
		Note:        req.Note,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendCreated(w, batch)
}

// PlanBatch handles batch planning requests
// バッチ計画リクエストを処理
func (h *Handlers) PlanBatch(w http.ResponseWriter, r *http.Request) {
	var req PlanBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	batch, err := h.service.Batches.PlanBatch(h.userContext(r), production.PlanBatchRequest{
		ProductID: req.ProductID,
		PlannedKg: req.PlannedKg,
		Date:      date,
		Note:      req.Note,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendCreated(w, batch)
}

// StartBatch handles requests to put a planned batch into production
// 計画バッチの製造開始リクエストを処理
func (h *Handlers) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req IngredientsRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.service.Batches.StartBatch(h.userContext(r), mux.Vars(r)["batchId"], toIngredients(req.Ingredients), "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// AmendBatch handles ingredient amendment requests
// 原材料修正リクエストを処理
func (h *Handlers) AmendBatch(w http.ResponseWriter, r *http.Request) {
	var req IngredientsRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.service.Batches.AmendBatch(h.userContext(r), mux.Vars(r)["batchId"], toIngredients(req.Ingredients), "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// CancelBatch handles batch cancellation requests
// バッチ取消リクエストを処理
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.service.Batches.CancelBatch(h.userContext(r), mux.Vars(r)["batchId"], req.Reason, "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// RejectBatch handles requests to return a batch to production
// 製造差し戻しリクエストを処理
func (h *Handlers) RejectBatch(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.service.Batches.RejectBatch(h.userContext(r), mux.Vars(r)["batchId"], req.Reason, "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// GetBatch handles get batch requests
// バッチ取得リクエストを処理
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.Batches.GetBatch(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// ListBatches handles batch listing requests
// バッチ一覧リクエストを処理
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := production.BatchFilter{
		State:     production.BatchState(query.Get("state")),
		ProductID: query.Get("product_id"),
		Kind:      production.BatchKind(query.Get("kind")),
	}
	if raw := query.Get("date"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
			return
		}
		filter.Date = &date
	}

	batches, err := h.service.Batches.ListBatches(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, batches)
}

// GetIngredients handles ingredient listing requests
// 原材料明細取得リクエストを処理
func (h *Handlers) GetIngredients(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.Batches.Ingredients(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, lines)
}

// AcceptLine handles output acceptance requests
// 受入リクエストを処理
func (h *Handlers) AcceptLine(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	reception, err := h.service.Receiving.AcceptLine(h.userContext(r), production.AcceptRequest{
		BatchID: mux.Vars(r)["batchId"],
		Unit:    production.Unit(req.Unit),
		Value:   req.Value,
		Note:    req.Note,
		Date:    date,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendCreated(w, reception)
}

// ReverseAcceptance handles requests to reverse the latest reception
// 直近受入の取消リクエストを処理
func (h *Handlers) ReverseAcceptance(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	reception, err := h.service.Receiving.ReverseAcceptance(h.userContext(r), mux.Vars(r)["batchId"], "", req.Reason)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, reception)
}

// GetReceptions handles reception listing requests for a batch
// バッチの受入履歴取得リクエストを処理
func (h *Handlers) GetReceptions(w http.ResponseWriter, r *http.Request) {
	receptions, err := h.service.Receiving.Receptions(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, receptions)
}

// GetReceptionsByDate handles reception listing requests for a day
// 日付別受入取得リクエストを処理
func (h *Handlers) GetReceptionsByDate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	date, err := parseDate(raw)
	if err != nil || raw == "" {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	receptions, err := h.service.Receiving.ReceptionsByDate(r.Context(), date)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, receptions)
}

// GetOutput handles batch output requests
// バッチ出来高取得リクエストを処理
func (h *Handlers) GetOutput(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Receiving.Output(r.Context(), mux.Vars(r)["batchId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, summary)
}

// CloseDay handles day close requests
// 日締めリクエストを処理
func (h *Handlers) CloseDay(w http.ResponseWriter, r *http.Request) {
	var req CloseDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	closed, err := h.service.Receiving.CloseDay(h.userContext(r), date, "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"date":   req.Date,
		"closed": closed,
	})
}

// StartRepackaging handles repackaging start requests
// 小分け開始リクエストを処理
func (h *Handlers) StartRepackaging(w http.ResponseWriter, r *http.Request) {
	var req StartRepackagingRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "日付の形式が正しくありません")
		return
	}

	job, err := h.service.Repackaging.Start(h.userContext(r), production.StartRepackagingRequest{
		TargetProductID: req.TargetProductID,
		Quantity:        req.Quantity,
		Unit:            production.Unit(req.Unit),
		Date:            date,
		OrderRef:        req.OrderRef,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendCreated(w, job)
}

// FinalizeRepackaging handles repackaging finalize requests
// 小分け確定リクエストを処理
func (h *Handlers) FinalizeRepackaging(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRepackagingRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.service.Repackaging.Finalize(h.userContext(r), mux.Vars(r)["jobId"], req.Value, production.Unit(req.Unit), "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, job)
}

// CancelRepackaging handles repackaging cancel requests
// 小分け取消リクエストを処理
func (h *Handlers) CancelRepackaging(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.service.Repackaging.Cancel(h.userContext(r), mux.Vars(r)["jobId"], req.Reason, "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, job)
}

// PlanRepackaging handles repackaging demand planning requests
// 小分け需要集計リクエストを処理
func (h *Handlers) PlanRepackaging(w http.ResponseWriter, r *http.Request) {
	var req PlanRepackagingRequest
	if !h.decode(w, r, &req) {
		return
	}

	proposals, err := h.service.Repackaging.PlanDemand(r.Context(), req.Lines)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, proposals)
}

// AdjustStock handles manual stock adjustment requests
// 在庫調整リクエストを処理
func (h *Handlers) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	quantity, err := h.service.Ledger.Adjust(h.userContext(r), production.StockStore(req.Store), req.Key, req.Delta, req.Reference)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"store":       req.Store,
		"key":         req.Key,
		"quantity_kg": quantity,
	})
}

// GetBacklog handles negative balance listing requests
// 負在庫一覧リクエストを処理
func (h *Handlers) GetBacklog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Ledger.Backlog(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, entries)
}

// ListRawMaterials handles raw material listing requests
// 原材料在庫一覧リクエストを処理
func (h *Handlers) ListRawMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.service.Ledger.RawMaterials(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, materials)
}

// GetRawMaterial handles raw material requests
// 原材料在庫取得リクエストを処理
func (h *Handlers) GetRawMaterial(w http.ResponseWriter, r *http.Request) {
	material, err := h.service.Ledger.RawMaterial(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, material)
}

// ListFinishedGoods handles finished good listing requests
// 製品在庫一覧リクエストを処理
func (h *Handlers) ListFinishedGoods(w http.ResponseWriter, r *http.Request) {
	goods, err := h.service.Ledger.FinishedGoods(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, goods)
}

// GetFinishedGood handles finished good requests
// 製品在庫取得リクエストを処理
func (h *Handlers) GetFinishedGood(w http.ResponseWriter, r *http.Request) {
	good, err := h.service.Ledger.FinishedGood(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, good)
}

// GetAverageCost handles average cost requests
// 平均原価取得リクエストを処理
func (h *Handlers) GetAverageCost(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productId"]
	avg, err := h.service.Costs.AverageCost(r.Context(), productID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"product_id": productID,
		"avg_cost":   avg,
	})
}

// OpenDraft handles requests to open or resume the inventory draft
// 棚卸ドラフト開始リクエストを処理
func (h *Handlers) OpenDraft(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Reconciliation.OpenDraft(h.userContext(r), "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, snapshot)
}

// FinishDraft handles requests to complete the inventory draft
// 棚卸ドラフト完了リクエストを処理
func (h *Handlers) FinishDraft(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Reconciliation.FinishDraft(h.userContext(r), "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	if snapshot == nil {
		h.sendError(w, http.StatusNotFound, "進行中の棚卸がありません")
		return
	}
	h.sendSuccess(w, snapshot)
}

// GetSnapshot handles snapshot requests
// 棚卸取得リクエストを処理
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Reconciliation.Snapshot(r.Context(), mux.Vars(r)["snapshotId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, snapshot)
}

// SaveCategory handles per-category count requests
// カテゴリ別棚卸リクエストを処理
func (h *Handlers) SaveCategory(w http.ResponseWriter, r *http.Request) {
	var req SaveCategoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)

	lines, err := h.service.Reconciliation.SaveCategory(h.userContext(r), vars["snapshotId"], req.Items, vars["category"], "")
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, lines)
}

// ヘルパーメソッド

// userContext attaches the acting user from the X-User-ID header
// X-User-IDヘッダーの操作ユーザーをコンテキストに設定
func (h *Handlers) userContext(r *http.Request) context.Context {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return production.WithUser(r.Context(), user)
	}
	return r.Context()
}

// decode reads and validates a JSON body; it writes the error response itself
// JSONボディを読み込みバリデーション（失敗時はレスポンス送信済み）
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			h.sendValidationError(w, verrs)
			return false
		}
		h.sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleError maps domain errors onto HTTP status codes
// ドメインエラーをHTTPステータスに変換
func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	switch {
	case production.IsValidation(err):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case production.IsNotFound(err):
		h.sendError(w, http.StatusNotFound, err.Error())
	case production.IsBusinessRule(err), errors.Is(err, production.ErrNoReception):
		h.sendError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// sendCreated sends a 201 API response
func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.send(w, statusCode, APIResponse{Success: false, Error: message})
}

// sendValidationError lists each failed field with the rule it broke
// 項目ごとのバリデーションエラーを送信
func (h *Handlers) sendValidationError(w http.ResponseWriter, verrs validator.ValidationErrors) {
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		fields[ve.Field()] = ve.Tag()
	}
	h.send(w, http.StatusBadRequest, APIResponse{
		Success: false,
		Data:    fields,
		Error:   "入力値が正しくありません",
	})
}

func (h *Handlers) send(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

func toIngredients(in []IngredientRequest) []production.IngredientInput {
	out := make([]production.IngredientInput, 0, len(in))
	for _, line := range in {
		out = append(out, production.IngredientInput{Material: line.Material, QuantityKg: line.QuantityKg})
	}
	return out
}

// parseDate parses YYYY-MM-DD; an empty string yields the zero time
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, raw, time.UTC)
}
