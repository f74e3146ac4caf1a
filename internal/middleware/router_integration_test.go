package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// TestRouterIntegration_CSRFTokenEndpoint はCSRFトークン取得エンドポイントが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_CSRFTokenEndpoint(t *testing.T) {
	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestRouterIntegration_MiddlewareChain は
// Session -> CSRF -> RateLimit と AdminAuth のチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_MiddlewareChain(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		LoginRate:       1,
		LoginBurst:      2,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	csrfConfig := CSRFConfig{CookieSecure: false}

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(nil))
	r.Use(NewSessionMiddleware(SessionConfig{}))
	r.Use(NewCSRFMiddleware(csrfConfig))
	r.Use(rl.GeneralMiddleware())

	r.With(rl.LoginMiddleware()).Post("/api/login", func(w http.ResponseWriter, r *http.Request) {
		sessionID, _ := SessionIDFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
	})
	r.With(NewAdminAuthMiddleware("admin-token")).Delete("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-router"})
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
		req.Header.Set(csrfHeaderName, "test-csrf-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("POST_login_with_session_and_csrf", func(t *testing.T) {
		w := login()
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["session_id"] != "sess-router" {
			t.Errorf("session_id = %q, want %q", body["session_id"], "sess-router")
		}
	})

	t.Run("POST_login_without_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("POST_login_rate_limited", func(t *testing.T) {
		// バースト2のうち1つは最初のサブテストで消費済み
		login()
		if w := login(); w.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
	})

	t.Run("DELETE_user_with_admin_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/users/u-1", nil)
		req.Header.Set("Authorization", "Bearer admin-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
		}
	})

	t.Run("DELETE_user_without_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/users/u-1", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "t"})
		req.Header.Set(csrfHeaderName, "t")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
