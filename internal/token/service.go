// Package token はアクセストークンとリフレッシュトークンの発行・検証を提供する。
// 署名鍵はアクセス用とリフレッシュ用で分離し、一方の漏洩で他方を発行できないようにする。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/devgate/internal/model"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	// TokenTypeBearer はTokenPair.TokenTypeに設定する値。
	TokenTypeBearer = "Bearer"

	issuer = "devgate"
)

var (
	// ErrWeakSecrets は署名鍵が空、またはアクセス用とリフレッシュ用が同一の場合に返す。
	ErrWeakSecrets = errors.New("access and refresh secrets must be non-empty and distinct")
	// ErrInvalidTTL はTTLが正でない場合に返す。
	ErrInvalidTTL = errors.New("token TTLs must be positive")
)

// Config はトークンサービスの設定。
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now はテスト用に現在時刻を差し替える。nilの場合はtime.Now。
	Now func() time.Time
}

// AccessIdentity はアクセストークンから取り出した認証情報。
type AccessIdentity struct {
	Subject string
	Email   string
}

// RefreshIdentity はリフレッシュトークンから取り出した認証情報。
type RefreshIdentity struct {
	Subject   string
	SessionID string
}

type accessClaims struct {
	Email string `json:"email"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

type refreshClaims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Service はHS256署名のJWTを発行・検証する。
// 構築後は不変で、複数goroutineから同時に利用できる。
type Service struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService は設定を検証してServiceを生成する。
func NewService(cfg Config) (*Service, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" || cfg.AccessSecret == cfg.RefreshSecret {
		return nil, ErrWeakSecrets
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, ErrInvalidTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        now,
	}, nil
}

// RefreshTTL はリフレッシュトークンの有効期間を返す。セッション期限の算出に使う。
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// Issue はsubject・email・sessionIDに紐付くトークンペアを発行する。
func (s *Service) Issue(subject, email, sessionID string) (*model.TokenPair, error) {
	if subject == "" || sessionID == "" {
		return nil, fmt.Errorf("subject and session ID are required")
	}

	now := s.now()

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, &accessClaims{
		Email: email,
		Type:  typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	})
	accessToken, err := access.SignedString(s.accessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, &refreshClaims{
		Email:     email,
		SessionID: sessionID,
		Type:      typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        uuid.NewString(),
		},
	})
	refreshToken, err := refresh.SignedString(s.refreshKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL / time.Second),
		TokenType:    TokenTypeBearer,
	}, nil
}

// VerifyAccess はアクセストークンを検証する。
// 形式不正・署名不一致・期限切れ・種別違いのいずれでもnilを返し、エラーやpanicにはしない。
func (s *Service) VerifyAccess(tokenString string) *AccessIdentity {
	claims := &accessClaims{}
	if !s.parse(tokenString, claims, s.accessKey) {
		return nil
	}
	if claims.Type != typeAccess || claims.Subject == "" {
		return nil
	}
	return &AccessIdentity{Subject: claims.Subject, Email: claims.Email}
}

// VerifyRefresh はリフレッシュトークンを検証する。
// VerifyAccessと同じ契約に加え、セッションIDを持たないトークンはnilとする。
func (s *Service) VerifyRefresh(tokenString string) *RefreshIdentity {
	claims := &refreshClaims{}
	if !s.parse(tokenString, claims, s.refreshKey) {
		return nil
	}
	if claims.Type != typeRefresh || claims.Subject == "" || claims.SessionID == "" {
		return nil
	}
	return &RefreshIdentity{Subject: claims.Subject, SessionID: claims.SessionID}
}

// parse は署名方式・署名・有効期限を検証してclaimsに展開する。
func (s *Service) parse(tokenString string, claims jwt.Claims, key []byte) (ok bool) {
	if tokenString == "" {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return false
	}
	return parsed.Valid
}
