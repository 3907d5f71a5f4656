package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/devgate/internal/middleware"
	"github.com/hitoshi/devgate/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Get(ctx context.Context, userID string) (*model.User, error)
	UpdatePreferences(ctx context.Context, userID string, patch model.PreferencesPatch) (*model.Preferences, error)
	SetPermission(ctx context.Context, userID, name string, granted bool) (*model.Permission, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

// Me は認証済みユーザーの情報・設定・権限を返す。
// GET /api/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if user.Permissions == nil {
		user.Permissions = []model.Permission{}
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdatePreferences は設定を部分更新する。
// PATCH /api/users/me/preferences
func (h *UserHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var patch model.PreferencesPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("body must be a JSON object"))
		return
	}

	prefs, err := h.service.UpdatePreferences(r.Context(), userID, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, prefs)
}

// SetPermission は権限の付与・剥奪を行う。
// PUT /api/users/me/permissions/{name}
func (h *UserHandler) SetPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Granted == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("granted is required"))
		return
	}

	perm, err := h.service.SetPermission(r.Context(), userID, chi.URLParam(r, "name"), *req.Granted)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, perm)
}

// requireUserID はコンテキストのユーザーIDを取り出し、なければ401を書き込む。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
