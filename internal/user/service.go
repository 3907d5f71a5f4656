// Package user はユーザー情報・設定・権限管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/devgate/internal/model"
	"github.com/hitoshi/devgate/internal/repository"
)

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo repository.UserRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{
		userRepo: userRepo,
		now:      time.Now,
	}
}

// Get は権限一覧を含むユーザー情報を取得する。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdatePreferences は設定を部分更新し、更新後の設定を返す。
// 未指定の項目は現在の値を保持し、適用後の値が範囲外の場合は更新しない。
func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch model.PreferencesPatch) (*model.Preferences, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	prefs := patch.Apply(user.Preferences)
	if err := prefs.Validate(); err != nil {
		return nil, err
	}

	if err := s.userRepo.UpdatePreferences(ctx, userID, prefs); err != nil {
		return nil, fmt.Errorf("設定の更新に失敗しました: %w", err)
	}

	slog.Info("user preferences updated",
		slog.String("user_id", userID),
		slog.String("language", prefs.Language),
		slog.String("theme", prefs.Theme),
	)
	return &prefs, nil
}

// SetPermission は権限の付与・剥奪を行う。
// 付与時はgranted_at、剥奪時はrevoked_atに現在時刻を記録する。
func (s *Service) SetPermission(ctx context.Context, userID, name string, granted bool) (*model.Permission, error) {
	if !model.IsKnownPermission(name) {
		return nil, model.NewUnknownPermissionError(name)
	}

	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}

	perm, err := s.userRepo.SetPermission(ctx, userID, name, granted, s.now())
	if err != nil {
		return nil, fmt.Errorf("権限の更新に失敗しました: %w", err)
	}

	slog.Info("user permission changed",
		slog.String("user_id", userID),
		slog.String("permission", name),
		slog.Bool("granted", granted),
	)
	return perm, nil
}
