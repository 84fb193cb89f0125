// README: Tests for Firebase auth middleware and panic recovery.
package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"marketplace/internal/http/middleware"
	"marketplace/internal/infra"
	"marketplace/internal/logx"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
	seen  string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	s.seen = raw
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		uid := middleware.CallerUID(c)
		role := middleware.CallerRole(c)
		c.JSON(http.StatusOK, gin.H{"uid": uid, "role": role})
	})
	return r
}

func get(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, "Token sometoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w := get(r, "Bearer   "); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for empty token, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")})
	if w := get(r, "Bearer invalidtoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	v := &stubVerifier{token: &infra.FirebaseToken{
		UID:    "courier123",
		Claims: map[string]interface{}{"role": "courier"},
	}}
	w := get(newTestRouter(v), "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if v.seen != "validtoken" {
		t.Errorf("verifier got %q", v.seen)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"courier123"`) {
		t.Errorf("expected uid courier123 in body, got %s", body)
	}
	if !strings.Contains(body, `"role":"courier"`) {
		t.Errorf("expected role courier in body, got %s", body)
	}
}

func TestAuth_ValidToken_NoRoleClaimIsCustomer(t *testing.T) {
	token := &infra.FirebaseToken{UID: "customer456", Claims: map[string]interface{}{}}
	w := get(newTestRouter(&stubVerifier{token: token}), "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"role":"customer"`) {
		t.Errorf("expected default customer role, got %s", w.Body.String())
	}
}

func TestAuth_DevVerifier(t *testing.T) {
	r := newTestRouter(infra.DevVerifier{})
	w := get(r, "Bearer ops:admin")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"role":"admin"`) {
		t.Errorf("expected admin caller, got %d %s", w.Code, w.Body.String())
	}
	if w := get(r, "Bearer :admin"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for empty uid, got %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(logx.Nop()))
	r.GET("/test", func(*gin.Context) { panic("boom") })

	w := get(r, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
