// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/devgate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを権限一覧付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindOrCreate はOAuthプロフィールに対応するユーザーを取得し、存在しなければ作成する。
	// (provider, providerId) で検索し、見つからなければメールアドレス（大文字小文字を区別しない）で検索する。
	// 同一プロフィールの同時呼び出しでもユーザーは1件しか作成されない。
	// 2番目の戻り値は新規作成した場合にtrueとなる。
	FindOrCreate(ctx context.Context, profile *model.OAuthProfile) (*model.User, bool, error)

	// UpdatePreferences はユーザー設定を上書きする。
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error

	// SetPermission は権限の付与・剥奪を記録し、更新後の権限を返す。
	SetPermission(ctx context.Context, userID, name string, granted bool, at time.Time) (*model.Permission, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 失効済み・期限切れのセッションも返すため、有効性は呼び出し側で判定する。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// RotateTokens はセッションに保存するトークンのダイジェストと最終アクティビティを更新する。
	// 保存済みのリフレッシュトークンのダイジェストがprevRefreshDigestと一致する場合のみ更新し、
	// 一致しない場合や失効済みの場合はSESSION_INVALIDを返す。
	RotateTokens(ctx context.Context, id, prevRefreshDigest, accessDigest, refreshDigest string, lastActivity time.Time) error
	// Revoke はセッションを失効させる。失効済みの場合は何もしない。
	Revoke(ctx context.Context, id string, at time.Time) error
}

// CommandLogRepository はコマンド監査ログの永続化インターフェース。追記のみ。
type CommandLogRepository interface {
	// Create はコマンドログを1件追加する。
	Create(ctx context.Context, log *model.CommandLog) error
	// ListByUserID はユーザーのコマンドログを新しい順に最大limit件返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error)
}

// queryer は*sql.DBと*sql.Txの共通部分。トランザクション内外で同じ読み取り処理を使う。
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
