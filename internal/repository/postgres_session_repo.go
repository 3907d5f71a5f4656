package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/devgate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, user_agent, ip_address, platform, device_name,
		                       refresh_token, access_token, expires_at, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.UserID,
		session.DeviceInfo.UserAgent, session.DeviceInfo.IPAddress,
		session.DeviceInfo.Platform, session.DeviceInfo.DeviceName,
		session.RefreshToken, session.AccessToken,
		session.ExpiresAt, session.CreatedAt, session.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。失効済み・期限切れも含めて返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, user_agent, ip_address, platform, device_name,
		        refresh_token, access_token, expires_at, created_at, last_activity, revoked_at
		 FROM sessions
		 WHERE id = $1`,
		id,
	).Scan(&session.ID, &session.UserID,
		&session.DeviceInfo.UserAgent, &session.DeviceInfo.IPAddress,
		&session.DeviceInfo.Platform, &session.DeviceInfo.DeviceName,
		&session.RefreshToken, &session.AccessToken,
		&session.ExpiresAt, &session.CreatedAt, &session.LastActivity, &revokedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}

	return session, nil
}

// RotateTokens はローテーション後のトークンダイジェストを保存する。
// 失効済みのセッションや、保存済みのリフレッシュトークンがprevRefreshDigestと異なるセッションは更新しない。
func (r *PostgresSessionRepo) RotateTokens(ctx context.Context, id, prevRefreshDigest, accessDigest, refreshDigest string, lastActivity time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET access_token = $3, refresh_token = $4, last_activity = $5
		 WHERE id = $1 AND refresh_token = $2 AND revoked_at IS NULL`,
		id, prevRefreshDigest, accessDigest, refreshDigest, lastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to update session tokens: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewSessionInvalidError()
	}
	return nil
}

// Revoke はセッションを失効させる。
func (r *PostgresSessionRepo) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
