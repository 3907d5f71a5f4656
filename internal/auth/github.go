package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/devgate/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig はGitHub OAuthの設定。
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// テスト用にエンドポイントを上書きする場合に設定する
	AuthURL    string
	TokenURL   string
	APIBaseURL string
	// HTTPClient はトークン交換とプロフィール取得に使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GitHubProvider はGitHub OAuthの認可コードフローを実装する。
type GitHubProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	endpoint := github.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}
}

// Name はプロバイダー識別子を返す。
func (p *GitHubProvider) Name() model.Provider {
	return model.ProviderGitHub
}

// AuthorizationURL はGitHubの認可URLを生成する。
func (p *GitHubProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換し、/user からプロフィールを取得する。
// プロフィールのメールアドレスが非公開の場合は /user/emails の検証済みプライマリアドレスを使う。
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*model.OAuthProfile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	client := p.oauth.Client(ctx, tok)

	var user githubUser
	if err := getJSON(ctx, client, p.apiBaseURL+"/user", &user); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("github user has no id")
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := getJSON(ctx, client, p.apiBaseURL+"/user/emails", &emails); err != nil {
			return nil, fmt.Errorf("failed to get user emails: %w", err)
		}
		email = primaryVerifiedEmail(emails)
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &model.OAuthProfile{
		ID:       strconv.FormatInt(user.ID, 10),
		Email:    email,
		Name:     name,
		Provider: model.ProviderGitHub,
		Avatar:   user.AvatarURL,
	}, nil
}

// primaryVerifiedEmail は検証済みのプライマリアドレスを返す。存在しない場合は空文字列。
func primaryVerifiedEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}

// compile-time interface check
var _ Provider = (*GitHubProvider)(nil)
