package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/devgate/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleConfig はGoogle OAuthの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// テスト用にエンドポイントを上書きする場合に設定する
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	// HTTPClient はトークン交換とプロフィール取得に使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleProvider はGoogle OAuth 2.0の認可コードフローを実装する。
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// googleUserInfo はGoogle UserInfo API (v2) のレスポンス。
type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "profile", "email"},
		},
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}
}

// Name はプロバイダー識別子を返す。
func (p *GoogleProvider) Name() model.Provider {
	return model.ProviderGoogle
}

// AuthorizationURL はGoogleの認可URLを生成する。
func (p *GoogleProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換し、UserInfo APIからプロフィールを取得する。
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*model.OAuthProfile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	var info googleUserInfo
	if err := getJSON(ctx, p.oauth.Client(ctx, tok), p.userInfoURL, &info); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	if !info.VerifiedEmail {
		return nil, ErrUnverifiedEmail
	}

	return &model.OAuthProfile{
		ID:       info.ID,
		Email:    info.Email,
		Name:     info.Name,
		Provider: model.ProviderGoogle,
		Avatar:   info.Picture,
	}, nil
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
