package production

import (
	"errors"
	"fmt"
)

// Common production errors
// 共通の製造エラー定義

var (
	// ErrBatchNotFound is returned when a batch doesn't exist
	// バッチが存在しない場合のエラー
	ErrBatchNotFound = errors.New("バッチが見つかりません")

	// ErrProductNotFound is returned when a finished good doesn't exist
	// 製品が存在しない場合のエラー
	ErrProductNotFound = errors.New("製品が見つかりません")

	// ErrMaterialNotFound is returned when a raw material doesn't exist
	// 原材料が存在しない場合のエラー
	ErrMaterialNotFound = errors.New("原材料が見つかりません")

	// ErrSnapshotNotFound is returned when an inventory snapshot doesn't exist
	// 棚卸が存在しない場合のエラー
	ErrSnapshotNotFound = errors.New("棚卸が見つかりません")

	// ErrNoReception is returned when a batch has no live reception to reverse
	// 取消可能な受入が存在しない場合のエラー
	ErrNoReception = errors.New("取消可能な受入がありません")

	// ErrDuplicateBatchID is returned by storage when a batch id is already taken
	// バッチIDが既に使用されている場合のエラー
	ErrDuplicateBatchID = errors.New("バッチIDは既に使用されています")

	// ErrBatchIDExhausted is returned when no free batch id could be generated
	// バッチIDの採番に失敗した場合のエラー
	ErrBatchIDExhausted = errors.New("バッチIDを採番できませんでした")

	// ErrPackageWeightUnset is a configuration error: a piece conversion needs a package weight
	// 個数換算に必要な包装重量が未設定
	ErrPackageWeightUnset = errors.New("包装重量が設定されていません")

	// ErrAmbiguousUnit is returned when a unit is missing or unknown
	// 単位が未指定または不明
	ErrAmbiguousUnit = errors.New("単位が曖昧です")

	// ErrLockNotObtained is returned by a Locker when another process holds the lock
	// 他プロセスがロックを保持している場合のエラー
	ErrLockNotObtained = errors.New("ロックを取得できませんでした")

	// ErrDraftSnapshotExists is returned by storage when another draft snapshot is already open
	// 作成中の棚卸が既に存在する場合のエラー
	ErrDraftSnapshotExists = errors.New("作成中の棚卸が既に存在します")

	// ErrNoRepackSource is returned when a target product has no configured source
	// 小分け元製品が設定されていない場合のエラー
	ErrNoRepackSource = errors.New("小分け元製品が設定されていません")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// BusinessRuleError represents a business rule violation, such as an illegal state transition
// 状態遷移違反などのビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// wrapStorage passes domain errors through untouched and wraps everything else
// ドメインエラーはそのまま返し、それ以外をストレージエラーで包む
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var be *BusinessRuleError
	var se *StorageError
	switch {
	case errors.As(err, &ve), errors.As(err, &be), errors.As(err, &se):
		return err
	case errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrMaterialNotFound),
		errors.Is(err, ErrSnapshotNotFound),
		errors.Is(err, ErrNoReception),
		errors.Is(err, ErrBatchIDExhausted),
		errors.Is(err, ErrPackageWeightUnset),
		errors.Is(err, ErrAmbiguousUnit),
		errors.Is(err, ErrNoRepackSource):
		return err
	}
	return NewStorageError(operation, message, err)
}

// IsNotFound reports whether err names a missing batch, product, material or snapshot
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrMaterialNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// IsValidation reports whether err is a validation or configuration error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrPackageWeightUnset) ||
		errors.Is(err, ErrAmbiguousUnit) ||
		errors.Is(err, ErrNoRepackSource)
}

// IsBusinessRule reports whether err is a state or rule violation
func IsBusinessRule(err error) bool {
	var be *BusinessRuleError
	return errors.As(err, &be)
}
