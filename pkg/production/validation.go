package production

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var productIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateProductID 製品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	if productID == "" {
		return NewValidationError("product_id", "製品IDが空です", productID)
	}
	if len(productID) > 255 {
		return NewValidationError("product_id", "製品IDが長すぎます", productID)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	if !productIDPattern.MatchString(productID) {
		return NewValidationError("product_id", "製品IDに無効な文字が含まれています", productID)
	}
	return nil
}

// ValidateBatchID バッチIDをバリデーション
func ValidateBatchID(batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return NewValidationError("batch_id", "バッチIDが指定されていません", batchID)
	}
	return nil
}

// ValidateMaterialName 原材料名をバリデーション
func ValidateMaterialName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("material", "原材料名が空です", name)
	}
	if len(name) > 500 {
		return NewValidationError("material", "原材料名が長すぎます", name)
	}
	return nil
}

// ValidatePositive 正の数量をバリデーション
func ValidatePositive(field string, value decimal.Decimal) error {
	if !value.IsPositive() {
		return NewValidationError(field, "数量は正の値である必要があります", value.String())
	}
	return nil
}

// ValidateNonZero ゼロ以外の数量をバリデーション
func ValidateNonZero(field string, value decimal.Decimal) error {
	if value.IsZero() {
		return NewValidationError(field, "数量は0以外である必要があります", value.String())
	}
	return nil
}

// ValidateKey 在庫キーをバリデーション
func ValidateKey(store StockStore, key string) error {
	switch store {
	case StoreRawMaterial:
		return ValidateMaterialName(key)
	case StoreFinishedGood:
		return ValidateProductID(key)
	default:
		return NewValidationError("store", "不明な在庫ストアです", string(store))
	}
}

// ValidateIngredients 原材料リストをバリデーションし、同名行を合算して返す
func ValidateIngredients(ingredients []IngredientInput) (map[string]decimal.Decimal, error) {
	if len(ingredients) == 0 {
		return nil, NewValidationError("ingredients", "原材料が指定されていません", "")
	}
	merged := make(map[string]decimal.Decimal, len(ingredients))
	for _, in := range ingredients {
		name := strings.TrimSpace(in.Material)
		if err := ValidateMaterialName(name); err != nil {
			return nil, err
		}
		if err := ValidatePositive("ingredients."+name, in.QuantityKg); err != nil {
			return nil, err
		}
		merged[name] = merged[name].Add(in.QuantityKg)
	}
	return merged, nil
}

// ValidateUnit 単位をバリデーション
func ValidateUnit(unit Unit) error {
	if unit != UnitMass && unit != UnitCount {
		return ErrAmbiguousUnit
	}
	return nil
}

// ValidateReason 理由をバリデーション
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("reason", "理由が指定されていません", reason)
	}
	if len(reason) > 2000 {
		return NewValidationError("reason", "理由が長すぎます", reason)
	}
	return nil
}

// ValidateTransition 状態遷移をバリデーション
func ValidateTransition(b *Batch, allowed ...BatchState) error {
	for _, s := range allowed {
		if b.State == s {
			return nil
		}
	}
	states := make([]string, len(allowed))
	for i, s := range allowed {
		states[i] = string(s)
	}
	return NewBusinessRuleError("state_transition",
		"現在の状態ではこの操作はできません",
		"batch="+b.ID+" state="+string(b.State)+" allowed="+strings.Join(states, "|"))
}
