// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, command, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidPreference  = "INVALID_PREFERENCE"
	ErrCodeUnknownPermission  = "UNKNOWN_PERMISSION"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeSessionInvalid     = "SESSION_INVALID"
	ErrCodeDevLoginDisabled   = "DEV_LOGIN_DISABLED"
	ErrCodeAnonymousForbidden = "ANONYMOUS_FORBIDDEN"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証が必要な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Sign in and retry with a valid access token.",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and retry.",
	}
}

// NewInvalidPreferenceError は設定値が不正な場合のエラーを生成する。
func NewInvalidPreferenceError(field, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPreference,
		Message:  fmt.Sprintf("Invalid value for %s: %q", field, value),
		Category: "validation",
		Action:   "language must be en or hi, theme must be light or dark.",
	}
}

// NewUnknownPermissionError は未知の権限名が指定された場合のエラーを生成する。
func NewUnknownPermissionError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPermission,
		Message:  fmt.Sprintf("Unknown permission: %s", name),
		Category: "validation",
		Action:   "Use one of open_app, file_access, system_info.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewSessionInvalidError はリフレッシュトークンが使用できない場合のエラーを生成する。
func NewSessionInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionInvalid,
		Message:  "The session has expired or was revoked.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewDevLoginDisabledError は開発用ログインが無効な場合のエラーを生成する。
func NewDevLoginDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeDevLoginDisabled,
		Message:  "Development login is disabled.",
		Category: "auth",
		Action:   "Sign in with Google or GitHub.",
	}
}

// NewAnonymousForbiddenError は匿名でのコマンド送信が禁止されている場合のエラーを生成する。
func NewAnonymousForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeAnonymousForbidden,
		Message:  "Anonymous commands are not allowed.",
		Category: "auth",
		Action:   "Sign in before sending commands.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}
