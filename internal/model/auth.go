package model

// Provider はOAuth認証プロバイダーの識別子。
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
	// ProviderDev は開発用固定ユーザーのログイン経路。
	ProviderDev Provider = "dev"
)

// ParseProvider は文字列からOAuthプロバイダーを解決する。
// 外部からのログインに使えないProviderDevは受け付けない。
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderGoogle:
		return ProviderGoogle, true
	case ProviderGitHub:
		return ProviderGitHub, true
	default:
		return "", false
	}
}

// OAuthProfile はプロバイダー間で正規化された外部アイデンティティ。
// ログイン処理中のみ存在し、直後にUserへ反映される。
type OAuthProfile struct {
	ID       string
	Email    string
	Name     string
	Provider Provider
	Avatar   string
}

// TokenPair はアクセストークンとリフレッシュトークンの組。永続化しない。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}
