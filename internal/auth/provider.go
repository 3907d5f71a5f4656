// Package auth はOAuth認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/devgate/internal/model"
)

var (
	// ErrUnsupportedProvider は未登録のプロバイダーが指定された場合に返す。
	ErrUnsupportedProvider = errors.New("unsupported oauth provider")
	// ErrInvalidCode は認可コードが空の場合に返す。
	ErrInvalidCode = errors.New("authorization code is empty")
	// ErrProviderExchangeFailed はトークン交換またはプロフィール取得に失敗した場合に返す。
	ErrProviderExchangeFailed = errors.New("oauth provider exchange failed")
	// ErrUnverifiedEmail はプロバイダーがメールアドレスを検証済みとしていない場合に返す。
	// 未検証のアドレスで既存ユーザーに紐付くのを防ぐ。
	ErrUnverifiedEmail = errors.New("oauth profile email is not verified")
)

// maxProfileBytes はプロバイダーAPIレスポンスの読み取り上限。
const maxProfileBytes = 1 << 20

// Provider はOAuth認証プロバイダーのインターフェース。
// プロバイダーごとに1つの実装を持ち、Registryから識別子で選択される。
type Provider interface {
	// Name はプロバイダー識別子を返す。
	Name() model.Provider
	// AuthorizationURL は認可エンドポイントへのリダイレクトURLを生成する。
	AuthorizationURL(state string) string
	// Exchange は認可コードをトークンに交換し、プロフィールを取得する。
	Exchange(ctx context.Context, code string) (*model.OAuthProfile, error)
}

// TextSanitizer は表示名からマークアップを取り除く。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// URLValidator はプロフィール由来のURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Registry は有効なプロバイダーを識別子で保持し、取得したプロフィールを正規化する。
type Registry struct {
	providers map[model.Provider]Provider
	sanitizer TextSanitizer
	validator URLValidator
}

// NewRegistry はRegistryを生成する。同じ識別子のプロバイダーは後勝ちとなる。
func NewRegistry(sanitizer TextSanitizer, validator URLValidator, providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[model.Provider]Provider, len(providers)),
		sanitizer: sanitizer,
		validator: validator,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Enabled はプロバイダーが登録済みかを返す。
func (r *Registry) Enabled(provider model.Provider) bool {
	_, ok := r.providers[provider]
	return ok
}

// BuildAuthorizationURL は指定プロバイダーの認可URLを返す。
func (r *Registry) BuildAuthorizationURL(provider model.Provider, state string) (string, error) {
	p, ok := r.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return p.AuthorizationURL(state), nil
}

// ExchangeCode は認可コードをプロバイダーで交換し、正規化したプロフィールを返す。
func (r *Registry) ExchangeCode(ctx context.Context, provider model.Provider, code string) (*model.OAuthProfile, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidCode
	}

	profile, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderExchangeFailed, provider, err)
	}
	if profile == nil || profile.ID == "" {
		return nil, fmt.Errorf("%w: %s: profile has no id", ErrProviderExchangeFailed, provider)
	}
	profile.Email = strings.TrimSpace(profile.Email)
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: %s: profile has no email", ErrProviderExchangeFailed, provider)
	}
	profile.Provider = provider

	r.normalize(profile)
	return profile, nil
}

// normalize は表示名とアバターURLを整える。
// 表示名が空になった場合はメールアドレスのローカル部を使い、検証に通らないアバターは破棄する。
func (r *Registry) normalize(profile *model.OAuthProfile) {
	name := strings.TrimSpace(profile.Name)
	if r.sanitizer != nil {
		name = strings.TrimSpace(r.sanitizer.Sanitize(name))
	}
	if name == "" {
		name, _, _ = strings.Cut(profile.Email, "@")
	}
	profile.Name = name

	if profile.Avatar != "" && r.validator != nil {
		if err := r.validator.ValidateURL(profile.Avatar); err != nil {
			profile.Avatar = ""
		}
	}
}

// getJSON はOAuthトークン付きクライアントでAPIを呼び出し、JSONをoutに展開する。
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
