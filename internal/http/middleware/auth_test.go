// README: Tests for the Firebase auth middleware and role gating.
package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"okada/internal/http/middleware"
	"okada/internal/infra"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uid":  middleware.CallerUID(c),
			"role": middleware.CallerRole(c),
		})
	})
	r.POST("/driver-only", middleware.RequireRole(middleware.RoleDriver), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func driverToken(uid string) *infra.FirebaseToken {
	return &infra.FirebaseToken{
		UID:    uid,
		Claims: map[string]interface{}{"role": "driver"},
	}
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: driverToken("rider1")})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_NonBearerScheme(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: driverToken("rider1")})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierRejectsToken(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("token expired")})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer expired")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_ContextPopulated(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: driverToken("okadaman7")})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "okadaman7") {
		t.Errorf("expected uid okadaman7 in body, got %s", body)
	}
	if !strings.Contains(body, "driver") {
		t.Errorf("expected role driver in body, got %s", body)
	}
}

func TestAuth_NoRoleClaim_DefaultsToPassenger(t *testing.T) {
	token := &infra.FirebaseToken{UID: "rider22", Claims: map[string]interface{}{}}
	r := newTestRouter(&stubVerifier{token: token})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "passenger") {
		t.Errorf("expected default passenger role, got %s", w.Body.String())
	}
}

func TestRequireRole_BlocksWrongRole(t *testing.T) {
	token := &infra.FirebaseToken{UID: "rider22", Claims: map[string]interface{}{}}
	r := newTestRouter(&stubVerifier{token: token})
	req := httptest.NewRequest(http.MethodPost, "/driver-only", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: driverToken("okadaman7")})
	req := httptest.NewRequest(http.MethodPost, "/driver-only", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}
