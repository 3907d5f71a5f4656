package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/devgate/internal/auth"
	"github.com/hitoshi/devgate/internal/middleware"
	"github.com/hitoshi/devgate/internal/model"
)

const (
	refreshCookieName = "refresh_token"
	authCookiePath    = "/api/auth"

	authFailedParam = "auth_failed"

	maxUserAgentLength  = 512
	maxPlatformLength   = 64
	maxDeviceNameLength = 255
	defaultPlatform     = "web"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(provider model.Provider, state string) (string, error)
	CompleteLogin(ctx context.Context, provider model.Provider, code string, device model.DeviceInfo) (*auth.LoginResult, error)
	DevLogin(ctx context.Context, device model.DeviceInfo) (*auth.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// StateGuardInterface はOAuth stateの発行と検証のインターフェース。
type StateGuardInterface interface {
	Issue(ctx context.Context, provider model.Provider) (state, cookieValue string, expires time.Time, err error)
	Validate(ctx context.Context, cookieValue, queryState string, provider model.Provider) error
}

// ProviderChecker はプロバイダーが設定済みかを判定する。
type ProviderChecker interface {
	Enabled(provider model.Provider) bool
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL  string
	CookieSecure bool
	RefreshTTL   time.Duration // リフレッシュトークンCookieの有効期間
}

// AuthHandler はOAuth認証・トークン管理のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	state     StateGuardInterface
	providers ProviderChecker
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, state StateGuardInterface, providers ProviderChecker, config AuthHandlerConfig) *AuthHandler {
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	return &AuthHandler{
		service:   service,
		state:     state,
		providers: providers,
		config:    config,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login はOAuthフローを開始する。
// GET /api/auth/{provider}
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.resolveProvider(r)
	if !ok {
		h.redirectAuthFailed(w, r)
		return
	}

	state, cookieValue, expires, err := h.state.Issue(r.Context(), provider)
	if err != nil {
		slog.Error("failed to issue oauth state",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		h.redirectAuthFailed(w, r)
		return
	}

	authURL, err := h.service.BeginLogin(provider, state)
	if err != nil {
		slog.Error("failed to build authorization url",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		h.redirectAuthFailed(w, r)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    cookieValue,
		Path:     authCookiePath,
		Expires:  expires,
		MaxAge:   int(auth.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// 失敗理由にかかわらずフロントエンドには error=auth_failed のみを伝える。
// GET /api/auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// stateクッキーは成否にかかわらず削除する
	h.clearCookie(w, auth.StateCookieName)

	provider, ok := h.resolveProvider(r)
	if !ok {
		h.redirectAuthFailed(w, r)
		return
	}

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		slog.Warn("oauth provider returned error",
			slog.String("provider", string(provider)),
			slog.String("error", providerErr),
		)
		h.redirectAuthFailed(w, r)
		return
	}

	// 1. stateの検証（CSRF対策）
	var cookieValue string
	if c, err := r.Cookie(auth.StateCookieName); err == nil {
		cookieValue = c.Value
	}
	if err := h.state.Validate(r.Context(), cookieValue, query.Get("state"), provider); err != nil {
		slog.Warn("oauth state validation failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		h.redirectAuthFailed(w, r)
		return
	}

	// 2. 認可コードの交換とログイン
	result, err := h.service.CompleteLogin(r.Context(), provider, query.Get("code"), deviceFromRequest(r))
	if err != nil {
		slog.Error("oauth callback failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		h.redirectAuthFailed(w, r)
		return
	}

	// 3. リフレッシュトークンをHttpOnly Cookieに設定
	h.setRefreshCookie(w, result.Tokens.RefreshToken)

	// 4. フロントエンドのダッシュボードにリダイレクト
	params := url.Values{}
	params.Set("token", result.Tokens.AccessToken)
	params.Set("name", result.User.Name)
	http.Redirect(w, r, h.config.FrontendURL+"/dashboard?"+params.Encode(), http.StatusFound)
}

// DevLogin は開発用固定ユーザーのトークンペアを発行する。
// POST /api/auth/login
func (h *AuthHandler) DevLogin(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.DevLogin(r.Context(), deviceFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrDevLoginDisabled) {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewDevLoginDisabledError())
			return
		}
		handleServiceError(w, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	writeJSON(w, http.StatusOK, result.Tokens)
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンペアを返す。
// トークンはJSONボディ、なければCookieから取得する。
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := h.refreshTokenFromRequest(w, r)
	if raw == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	pair, err := h.service.Refresh(r.Context(), raw, deviceFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrSessionInvalid) {
			h.clearCookie(w, refreshCookieName)
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
			return
		}
		handleServiceError(w, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pair)
}

// Logout は提示されたリフレッシュトークンのセッションを失効させる。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw := h.refreshTokenFromRequest(w, r); raw != "" {
		if err := h.service.Logout(r.Context(), raw); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearCookie(w, refreshCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// resolveProvider はURLパラメータのプロバイダーが既知かつ設定済みかを確認する。
func (h *AuthHandler) resolveProvider(r *http.Request) (model.Provider, bool) {
	name := chi.URLParam(r, "provider")
	provider, ok := model.ParseProvider(name)
	if !ok {
		slog.Warn("unknown oauth provider", slog.String("provider", name))
		return "", false
	}
	if h.providers != nil && !h.providers.Enabled(provider) {
		slog.Warn("oauth provider is not configured", slog.String("provider", name))
		return "", false
	}
	return provider, true
}

// refreshTokenFromRequest はJSONボディまたはCookieからリフレッシュトークンを取り出す。
func (h *AuthHandler) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) string {
	if r.Body != nil && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err == nil && req.RefreshToken != "" {
			return req.RefreshToken
		}
	}
	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (h *AuthHandler) redirectAuthFailed(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.FrontendURL+"/?error="+authFailedParam, http.StatusFound)
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     authCookiePath,
		MaxAge:   int(h.config.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     authCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// deviceFromRequest はリクエストヘッダーから端末情報を組み立てる。
func deviceFromRequest(r *http.Request) model.DeviceInfo {
	platform := strings.Trim(r.Header.Get("Sec-CH-UA-Platform"), `" `)
	if platform == "" {
		platform = defaultPlatform
	}
	return model.DeviceInfo{
		UserAgent:  truncate(r.UserAgent(), maxUserAgentLength),
		IPAddress:  middleware.ClientIP(r),
		Platform:   truncate(platform, maxPlatformLength),
		DeviceName: truncate(strings.TrimSpace(r.Header.Get("X-Device-Name")), maxDeviceNameLength),
	}
}

// truncate は文字列を最大maxルーンに切り詰める。
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
