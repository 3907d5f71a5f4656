package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/devgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusObserver    middleware.StatusObserver
	AccessVerifier    middleware.AccessVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ステータス・メトリクス
	Automation     AutomationPinger
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	StateGuard  StateGuardInterface
	Providers   ProviderChecker
	AuthConfig  AuthHandlerConfig

	// コマンド
	CommandDispatcher CommandDispatcher
	CommandConfig     CommandHandlerConfig

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BearerIdentity → RateLimit(General)
//
// /api/command には更にコマンド用レート制限、ユーザー系ルートにはRequireUserを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	statusHandler := NewStatusHandler(deps.Automation, deps.HealthChecker)
	authHandler := NewAuthHandler(deps.AuthService, deps.StateGuard, deps.Providers, deps.AuthConfig)
	commandHandler := NewCommandHandler(deps.CommandDispatcher, deps.CommandConfig)
	userHandler := NewUserHandler(deps.UserService)

	// --- レート制限外のルート ---
	r.Get("/health", statusHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewBearerIdentityMiddleware(deps.AccessVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/status", statusHandler.Status)

		// 認証（OAuthフロー・トークン管理）
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.DevLogin)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
			r.Get("/{provider}", authHandler.Login)
			r.Get("/{provider}/callback", authHandler.Callback)
		})

		// コマンド受付（匿名可、コマンド用レート制限を追加）
		r.With(deps.RateLimiter.CommandMiddleware()).Post("/command", commandHandler.Execute)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser())

			r.Get("/commands", commandHandler.History)

			r.Route("/users/me", func(r chi.Router) {
				r.Get("/", userHandler.Me)
				r.Patch("/preferences", userHandler.UpdatePreferences)
				r.Put("/permissions/{name}", userHandler.SetPermission)
			})
		})
	})

	return r
}
