// Package model はドメインモデルを定義する。
package model

import "time"

// User はダッシュボード利用ユーザーを表す。
// メールアドレスは大文字小文字を区別しない一意キーとして扱う。
type User struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	Name        string       `json:"name"`
	AvatarURL   string       `json:"avatar,omitempty"`
	GoogleID    *string      `json:"googleId,omitempty"`
	GitHubID    *string      `json:"githubId,omitempty"`
	Preferences Preferences  `json:"preferences"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ProviderID はユーザーに紐付いた指定プロバイダーのIDを返す。未連携の場合は空文字列。
func (u *User) ProviderID(p Provider) string {
	var id *string
	switch p {
	case ProviderGoogle:
		id = u.GoogleID
	case ProviderGitHub:
		id = u.GitHubID
	}
	if id == nil {
		return ""
	}
	return *id
}

// Preferences はユーザーごとのUI設定。
type Preferences struct {
	Language             string `json:"language"`
	Theme                string `json:"theme"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	WakeWord             string `json:"wakeWord,omitempty"`
}

// DefaultPreferences は新規ユーザーに適用する初期設定を返す。
func DefaultPreferences() Preferences {
	return Preferences{
		Language:             "en",
		Theme:                "dark",
		NotificationsEnabled: true,
	}
}

// PreferencesPatch はPreferencesの部分更新内容。nilのフィールドは変更しない。
type PreferencesPatch struct {
	Language             *string `json:"language"`
	Theme                *string `json:"theme"`
	NotificationsEnabled *bool   `json:"notificationsEnabled"`
	WakeWord             *string `json:"wakeWord"`
}

// Apply はパッチ内容を適用した新しいPreferencesを返す。
func (p PreferencesPatch) Apply(cur Preferences) Preferences {
	if p.Language != nil {
		cur.Language = *p.Language
	}
	if p.Theme != nil {
		cur.Theme = *p.Theme
	}
	if p.NotificationsEnabled != nil {
		cur.NotificationsEnabled = *p.NotificationsEnabled
	}
	if p.WakeWord != nil {
		cur.WakeWord = *p.WakeWord
	}
	return cur
}

// Validate は設定値が許可された範囲内かを検証する。
func (p Preferences) Validate() error {
	switch p.Language {
	case "en", "hi":
	default:
		return NewInvalidPreferenceError("language", p.Language)
	}
	switch p.Theme {
	case "light", "dark":
	default:
		return NewInvalidPreferenceError("theme", p.Theme)
	}
	if len(p.WakeWord) > 32 {
		return NewInvalidPreferenceError("wakeWord", p.WakeWord)
	}
	return nil
}

// 既知の権限名
const (
	PermissionOpenApp    = "open_app"
	PermissionFileAccess = "file_access"
	PermissionSystemInfo = "system_info"
)

// Permission はユーザーに付与される名前付き権限。
type Permission struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Granted     bool       `json:"granted"`
	GrantedAt   *time.Time `json:"grantedAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// PermissionDescriptions は既知の権限名と説明の対応。
var PermissionDescriptions = map[string]string{
	PermissionOpenApp:    "Launch desktop applications",
	PermissionFileAccess: "Read and write files on the host",
	PermissionSystemInfo: "Read system status information",
}

// IsKnownPermission は権限名が既知のものかを判定する。
func IsKnownPermission(name string) bool {
	_, ok := PermissionDescriptions[name]
	return ok
}

// DeviceInfo はセッションを開始した端末の情報。
type DeviceInfo struct {
	UserAgent  string `json:"userAgent"`
	IPAddress  string `json:"ipAddress"`
	Platform   string `json:"platform"`
	DeviceName string `json:"deviceName,omitempty"`
}

// Session は1つの端末・ブラウザでの認証済みコンテキストを表す。
// リフレッシュトークン失効の単位となる。
type Session struct {
	ID           string
	UserID       string
	DeviceInfo   DeviceInfo
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	LastActivity time.Time
	RevokedAt    *time.Time
}

// Active はセッションが失効しておらず期限内かを返す。
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
