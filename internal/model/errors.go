// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, user, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（errors.Is用）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidAssertion     = "INVALID_ASSERTION"
	ErrCodeIntegrity            = "INTEGRITY_ERROR"
	ErrCodeSlugAllocationFailed = "SLUG_ALLOCATION_FAILED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeCSRF                 = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
)

var (
	// ErrInvalidAssertion はIdPによるアサーション検証が失敗したことを表す。
	ErrInvalidAssertion = errors.New("invalid assertion")
	// ErrIntegrity はLoginレコードが存在しないユーザーを参照していることを表す。
	ErrIntegrity = errors.New("orphaned login record")
	// ErrSlugAllocation はスラッグの確保に失敗したことを表す。
	ErrSlugAllocation = errors.New("slug allocation failed")
	// ErrLoginExists は同じsubject IDのLoginレコードが既に存在することを表す。
	// 同時登録で条件付きINSERTに負けた側が受け取る。
	ErrLoginExists = errors.New("login record already exists")
)

// NewInvalidAssertionError はアサーション検証失敗エラーを生成する。
func NewInvalidAssertionError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAssertion,
		Message:  "Googleの認証情報を検証できませんでした。",
		Category: "auth",
		Action:   "もう一度Googleでログインしてください。",
		Err:      errors.Join(ErrInvalidAssertion, cause),
	}
}

// NewIntegrityError はLoginレコードの参照先ユーザーが存在しない場合のエラーを生成する。
// 内部の整合性違反のため、呼び出し元には詳細を見せない。
func NewIntegrityError(loginID, userID string) *APIError {
	return &APIError{
		Code:     ErrCodeIntegrity,
		Message:  fmt.Sprintf("orphaned login record: login=%s user=%s", loginID, userID),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      ErrIntegrity,
	}
}

// NewSlugAllocationError はスラッグ確保失敗エラーを生成する。
func NewSlugAllocationError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeSlugAllocationFailed,
		Message:  "ユーザーURLの確保に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "user",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInternalError は詳細を隠した内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は管理APIの認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "有効なトークンを指定してください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間待ってから再度お試しください。",
	}
}
