package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/devgate/internal/model"
)

// ErrEmptyEmail はメールアドレスを持たないプロフィールでFindOrCreateを呼んだ場合に返す。
var ErrEmptyEmail = errors.New("profile email is required")

const selectUserColumns = `SELECT id, email, name, avatar_url, google_id, github_id, preferences, created_at, updated_at FROM users`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	user.Permissions, err = listPermissions(ctx, r.db, user.ID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindOrCreate はプロフィールに対応するユーザーを取得または作成する。
//
// 同一メールアドレスに対する処理はpg_advisory_xact_lockでトランザクション単位に直列化する。
// 複数インスタンスから同時にログインしても重複ユーザーは作成されない。
// プロバイダーIDの扱い:
//   - 新規作成時はログインに使ったプロバイダーのIDカラムを設定する
//   - 既存ユーザーの該当カラムがNULLの場合のみリンクする（既存の別IDは上書きしない）
//   - メールアドレスは作成時の値を維持し、名前とアバターは毎回更新する
func (r *PostgresUserRepo) FindOrCreate(ctx context.Context, profile *model.OAuthProfile) (*model.User, bool, error) {
	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" {
		return nil, false, ErrEmptyEmail
	}
	column := providerColumn(profile.Provider)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "users:email:"+email); err != nil {
		return nil, false, fmt.Errorf("failed to acquire user lock: %w", err)
	}

	var user *model.User
	if column != "" && profile.ID != "" {
		user, err = scanUser(tx.QueryRowContext(ctx,
			selectUserColumns+` WHERE `+column+` = $1 FOR UPDATE`, profile.ID))
		if err != nil {
			return nil, false, fmt.Errorf("failed to find user by provider ID: %w", err)
		}
	}
	if user == nil {
		user, err = scanUser(tx.QueryRowContext(ctx,
			selectUserColumns+` WHERE lower(email) = $1 FOR UPDATE`, email))
		if err != nil {
			return nil, false, fmt.Errorf("failed to find user by email: %w", err)
		}
	}

	now := time.Now().UTC()
	created := false

	if user != nil {
		if err := r.refreshUser(ctx, tx, user, profile, column, now); err != nil {
			return nil, false, err
		}
	} else {
		user, err = r.insertUser(ctx, tx, profile, email, column, now)
		if err != nil {
			return nil, false, err
		}
		created = true
	}

	user.Permissions, err = listPermissions(ctx, tx, user.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return user, created, nil
}

// refreshUser はログイン時に名前・アバターを更新し、未リンクのプロバイダーIDを紐付ける。
func (r *PostgresUserRepo) refreshUser(ctx context.Context, tx *sql.Tx, user *model.User, profile *model.OAuthProfile, column string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET name = $2, avatar_url = $3, updated_at = $4 WHERE id = $1`,
		user.ID, profile.Name, profile.Avatar, now,
	); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	user.Name = profile.Name
	user.AvatarURL = profile.Avatar
	user.UpdatedAt = now

	if column == "" || profile.ID == "" {
		return nil
	}

	linked := user.ProviderID(profile.Provider)
	switch {
	case linked == "":
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET `+column+` = $2 WHERE id = $1 AND `+column+` IS NULL`,
			user.ID, profile.ID,
		); err != nil {
			return fmt.Errorf("failed to link provider ID: %w", err)
		}
		id := profile.ID
		switch profile.Provider {
		case model.ProviderGoogle:
			user.GoogleID = &id
		case model.ProviderGitHub:
			user.GitHubID = &id
		}
	case linked != profile.ID:
		slog.Warn("provider ID differs from linked account, keeping existing link",
			slog.String("user_id", user.ID),
			slog.String("provider", string(profile.Provider)),
		)
	}
	return nil
}

// insertUser は新規ユーザーとデフォルト権限を作成する。
func (r *PostgresUserRepo) insertUser(ctx context.Context, tx *sql.Tx, profile *model.OAuthProfile, email, column string, now time.Time) (*model.User, error) {
	user := &model.User{
		ID:          uuid.NewString(),
		Email:       email,
		Name:        profile.Name,
		AvatarURL:   profile.Avatar,
		Preferences: model.DefaultPreferences(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if column != "" && profile.ID != "" {
		id := profile.ID
		switch profile.Provider {
		case model.ProviderGoogle:
			user.GoogleID = &id
		case model.ProviderGitHub:
			user.GitHubID = &id
		}
	}

	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, avatar_url, google_id, github_id, preferences, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Email, user.Name, user.AvatarURL, user.GoogleID, user.GitHubID, prefs, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	// 新規ユーザーにはアプリ起動権限のみを付与し、それ以外は未付与で作成する
	for _, name := range []string{model.PermissionOpenApp, model.PermissionFileAccess, model.PermissionSystemInfo} {
		granted := name == model.PermissionOpenApp
		var grantedAt *time.Time
		if granted {
			grantedAt = &now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_permissions (id, user_id, name, description, granted, granted_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), user.ID, name, model.PermissionDescriptions[name], granted, grantedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to insert permission %s: %w", name, err)
		}
	}

	return user, nil
}

// UpdatePreferences はユーザー設定を上書きする。
func (r *PostgresUserRepo) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET preferences = $2, updated_at = now() WHERE id = $1`,
		userID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// SetPermission は権限をUPSERTする。
// 付与時はgranted_atを更新してrevoked_atをクリアし、剥奪時はgranted_atを残してrevoked_atを記録する。
func (r *PostgresUserRepo) SetPermission(ctx context.Context, userID, name string, granted bool, at time.Time) (*model.Permission, error) {
	var grantedAt, revokedAt *time.Time
	if granted {
		grantedAt = &at
	} else {
		revokedAt = &at
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO user_permissions (id, user_id, name, description, granted, granted_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, name) DO UPDATE SET
		   granted = EXCLUDED.granted,
		   granted_at = COALESCE(EXCLUDED.granted_at, user_permissions.granted_at),
		   revoked_at = EXCLUDED.revoked_at
		 RETURNING id, name, description, granted, granted_at, revoked_at`,
		uuid.NewString(), userID, name, model.PermissionDescriptions[name], granted, grantedAt, revokedAt,
	)

	p, err := scanPermission(row)
	if err != nil {
		return nil, fmt.Errorf("failed to set permission: %w", err)
	}
	return p, nil
}

// providerColumn はプロバイダーIDを保持するカラム名を返す。対応カラムがない場合は空文字列。
func providerColumn(p model.Provider) string {
	switch p {
	case model.ProviderGoogle:
		return "google_id"
	case model.ProviderGitHub:
		return "github_id"
	default:
		return ""
	}
}

// scanUser は1行をUserに変換する。行が存在しない場合はnilを返す。
func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var googleID, githubID sql.NullString
	var prefs []byte

	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL,
		&googleID, &githubID, &prefs, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if googleID.Valid {
		user.GoogleID = &googleID.String
	}
	if githubID.Valid {
		user.GitHubID = &githubID.String
	}

	user.Preferences = model.DefaultPreferences()
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &user.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*model.Permission, error) {
	p := &model.Permission{}
	var grantedAt, revokedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Granted, &grantedAt, &revokedAt); err != nil {
		return nil, err
	}
	if grantedAt.Valid {
		t := grantedAt.Time
		p.GrantedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		p.RevokedAt = &t
	}
	return p, nil
}

// listPermissions はユーザーの権限一覧を名前順で返す。
func listPermissions(ctx context.Context, q queryer, userID string) ([]model.Permission, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, description, granted, granted_at, revoked_at
		 FROM user_permissions WHERE user_id = $1 ORDER BY name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms := []model.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return perms, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
