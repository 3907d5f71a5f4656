package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/devgate/internal/metrics"
	"github.com/hitoshi/devgate/internal/model"
	"github.com/hitoshi/devgate/internal/repository"
	"github.com/hitoshi/devgate/internal/token"
)

const (
	// DevEmail は開発用ログインで使用する固定ユーザーのメールアドレス。
	DevEmail = "dev@devgate.local"
	devName  = "Developer"
	devID    = "dev"
)

var (
	// ErrAuthFailed はOAuthログインのいずれかの段階で失敗した場合に返す。
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSessionInvalid はリフレッシュトークンが使用できない場合に返す。
	ErrSessionInvalid = errors.New("session is invalid")
	// ErrDevLoginDisabled は開発用ログインが無効な場合に返す。
	ErrDevLoginDisabled = errors.New("development login is disabled")
)

// OAuthExchanger はプロバイダー識別子で認可URL生成とコード交換を行う。
type OAuthExchanger interface {
	BuildAuthorizationURL(provider model.Provider, state string) (string, error)
	ExchangeCode(ctx context.Context, provider model.Provider, code string) (*model.OAuthProfile, error)
}

// TokenIssuer はトークンペアの発行とリフレッシュトークンの検証を行う。
type TokenIssuer interface {
	Issue(subject, email, sessionID string) (*model.TokenPair, error)
	VerifyRefresh(tokenString string) *token.RefreshIdentity
	RefreshTTL() time.Duration
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	DevLoginEnabled bool
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	User    *model.User
	Session *model.Session
	Tokens  *model.TokenPair
	Created bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthExchanger
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokens      TokenIssuer
	metrics     metrics.MetricsCollector
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	oauth OAuthExchanger,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokens TokenIssuer,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		metrics:     collector,
		config:      config,
		now:         time.Now,
	}
}

// BeginLogin はプロバイダーの認可URLを返す。
func (s *Service) BeginLogin(provider model.Provider, state string) (string, error) {
	return s.oauth.BuildAuthorizationURL(provider, state)
}

// CompleteLogin は認可コードを交換し、ユーザーを取得または作成してセッションとトークンを発行する。
// いずれかの段階で失敗した場合はErrAuthFailedをラップしたエラーを返す。
func (s *Service) CompleteLogin(ctx context.Context, provider model.Provider, code string, device model.DeviceInfo) (*LoginResult, error) {
	profile, err := s.oauth.ExchangeCode(ctx, provider, code)
	if err != nil {
		s.metrics.RecordLogin(string(provider), "failure")
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	result, err := s.login(ctx, profile, device)
	if err != nil {
		s.metrics.RecordLogin(string(provider), "failure")
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	s.metrics.RecordLogin(string(provider), "success")
	slog.Info("user logged in",
		slog.String("user_id", result.User.ID),
		slog.String("session_id", result.Session.ID),
		slog.String("provider", string(provider)),
		slog.Bool("new_user", result.Created),
	)
	return result, nil
}

// DevLogin は開発用の固定ユーザーでログインする。
func (s *Service) DevLogin(ctx context.Context, device model.DeviceInfo) (*LoginResult, error) {
	if !s.config.DevLoginEnabled {
		return nil, ErrDevLoginDisabled
	}

	result, err := s.login(ctx, &model.OAuthProfile{
		ID:       devID,
		Email:    DevEmail,
		Name:     devName,
		Provider: model.ProviderDev,
	}, device)
	if err != nil {
		s.metrics.RecordLogin(string(model.ProviderDev), "failure")
		return nil, err
	}

	s.metrics.RecordLogin(string(model.ProviderDev), "success")
	slog.Info("development user logged in",
		slog.String("user_id", result.User.ID),
		slog.String("session_id", result.Session.ID),
	)
	return result, nil
}

// login はユーザーの取得または作成とセッション発行を行う。
func (s *Service) login(ctx context.Context, profile *model.OAuthProfile, device model.DeviceInfo) (*LoginResult, error) {
	user, created, err := s.userRepo.FindOrCreate(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create user: %w", err)
	}

	session, tokens, err := s.createSession(ctx, user, device)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Session: session, Tokens: tokens, Created: created}, nil
}

// Refresh はリフレッシュトークンを検証し、同じセッションに新しいトークンペアを発行する。
// ローテーション済みのトークンが再利用された場合はセッションを失効させる。
func (s *Service) Refresh(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error) {
	identity := s.tokens.VerifyRefresh(refreshToken)
	if identity == nil {
		s.metrics.RecordTokenRefresh("invalid")
		return nil, ErrSessionInvalid
	}

	session, err := s.sessionRepo.FindByID(ctx, identity.SessionID)
	if err != nil {
		s.metrics.RecordTokenRefresh("error")
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	now := s.now()
	if session == nil || session.UserID != identity.Subject || !session.Active(now) {
		s.metrics.RecordTokenRefresh("invalid")
		return nil, ErrSessionInvalid
	}

	presented := TokenDigest(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(session.RefreshToken)) != 1 {
		if err := s.sessionRepo.Revoke(ctx, session.ID, now); err != nil {
			slog.Error("failed to revoke session after refresh token reuse",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
		slog.Warn("refresh token reuse detected, session revoked",
			slog.String("user_id", session.UserID),
			slog.String("session_id", session.ID),
			slog.String("ip_address", device.IPAddress),
		)
		s.metrics.RecordTokenRefresh("reused")
		return nil, ErrSessionInvalid
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		s.metrics.RecordTokenRefresh("error")
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.metrics.RecordTokenRefresh("invalid")
		return nil, ErrSessionInvalid
	}

	tokens, err := s.tokens.Issue(user.ID, user.Email, session.ID)
	if err != nil {
		s.metrics.RecordTokenRefresh("error")
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	err = s.sessionRepo.RotateTokens(ctx, session.ID, presented,
		TokenDigest(tokens.AccessToken), TokenDigest(tokens.RefreshToken), now)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSessionInvalid {
			s.metrics.RecordTokenRefresh("invalid")
			return nil, ErrSessionInvalid
		}
		s.metrics.RecordTokenRefresh("error")
		return nil, fmt.Errorf("failed to rotate session tokens: %w", err)
	}

	s.metrics.RecordTokenRefresh("success")
	return tokens, nil
}

// Logout はリフレッシュトークンに紐付くセッションを失効させる。
// トークンが無効な場合やセッションが存在しない場合は何もしない。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	identity := s.tokens.VerifyRefresh(refreshToken)
	if identity == nil {
		return nil
	}

	session, err := s.sessionRepo.FindByID(ctx, identity.SessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.UserID != identity.Subject {
		return nil
	}

	if err := s.sessionRepo.Revoke(ctx, session.ID, s.now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	slog.Info("user logged out",
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
	)
	return nil
}

// createSession はセッションを作成し、トークンのダイジェストと共に永続化する。
// セッションの有効期限は発行時刻にリフレッシュトークンのTTLを加えた値となる。
func (s *Service) createSession(ctx context.Context, user *model.User, device model.DeviceInfo) (*model.Session, *model.TokenPair, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	tokens, err := s.tokens.Issue(user.ID, user.Email, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:           sessionID,
		UserID:       user.ID,
		DeviceInfo:   device,
		RefreshToken: TokenDigest(tokens.RefreshToken),
		AccessToken:  TokenDigest(tokens.AccessToken),
		ExpiresAt:    now.Add(s.tokens.RefreshTTL()),
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, tokens, nil
}

// TokenDigest はセッションに保存するトークンのSHA-256ダイジェストを返す。
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	return randomHex(32)
}
