// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/devgate/internal/model"
	"github.com/hitoshi/devgate/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	emailContextKey  = contextKey("email")
)

// AccessVerifier はアクセストークンの検証に必要なインターフェース。
// token.Serviceの部分集合として定義する。
type AccessVerifier interface {
	VerifyAccess(raw string) *token.AccessIdentity
}

// NewBearerIdentityMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 有効な場合はユーザーIDとメールアドレスをリクエストコンテキストに注入する。
// トークンがない・無効な場合は匿名として次のハンドラーへ渡す（401は返さない）。
func NewBearerIdentityMiddleware(verifier AccessVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			identity := verifier.VerifyAccess(raw)
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, identity.Subject)
			ctx = context.WithValue(ctx, emailContextKey, identity.Email)
			annotateRequestLog(ctx, identity.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser は認証済みユーザーのみ通過させるミドルウェアを返す。
// NewBearerIdentityMiddlewareの後に配置する。
func RequireUser() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := UserIDFromContext(r.Context()); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークン文字列を取り出す。
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 有効なBearerトークンを持つリクエストでのみ値が存在する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// EmailFromContext はリクエストコンテキストから認証済みユーザーのメールアドレスを取得する。
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ClientIP は接続元IPアドレスを返す。
// 転送ヘッダーは偽装できるため参照しない。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
