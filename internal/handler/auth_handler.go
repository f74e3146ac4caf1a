// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/googlelogin/internal/auth"
	"github.com/hitoshi/googlelogin/internal/middleware"
	"github.com/hitoshi/googlelogin/internal/model"
)

// maxRequestBodyBytes はregister-or-loginリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	RegisterOrLogin(ctx context.Context, req auth.RegisterOrLoginRequest) (string, error)
}

// AuthHandler はGoogleログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{
		service: service,
	}
}

// registerOrLoginRequest はregister-or-loginのリクエストボディ。
type registerOrLoginRequest struct {
	AccessToken string         `json:"accessToken"`
	UserData    *model.Profile `json:"userData"`
}

// registerOrLoginResponse はregister-or-loginのレスポンスボディ。
type registerOrLoginResponse struct {
	User string `json:"user"`
}

// RegisterOrLogin はGoogleのIDトークンでユーザーを登録またはログインさせる。
// POST /api/google-login/register-or-login
func (h *AuthHandler) RegisterOrLogin(w http.ResponseWriter, r *http.Request) {
	var req registerOrLoginRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	// セッションミドルウェアの外から呼ばれた場合は空のまま渡す
	sessionID, _ := middleware.SessionIDFromContext(r.Context())

	userID, err := h.service.RegisterOrLogin(r.Context(), auth.RegisterOrLoginRequest{
		AccessToken: req.AccessToken,
		SessionID:   sessionID,
		UserData:    req.UserData,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerOrLoginResponse{User: userID})
}
