package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-signing-key")

func signedToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func invokeJWT(t *testing.T, cfg JWTConfig, authHeader string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	handler := JWTMiddleware(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return c, handler(c)
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"coordinator"},
	}
	token := signedToken(t, claims, testSigningKey)

	c, err := invokeJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "user-1" {
		t.Errorf("user id = %q, want user-1", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != "coordinator" {
		t.Errorf("roles = %v, want [coordinator]", roles)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	valid := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, testSigningKey)
	expired := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSigningKey)
	wrongKey := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, []byte("other-key"))

	cases := []struct {
		name   string
		cfg    JWTConfig
		header string
	}{
		{"missing header", JWTConfig{SigningKey: testSigningKey}, ""},
		{"not bearer", JWTConfig{SigningKey: testSigningKey}, "Basic abc"},
		{"garbage token", JWTConfig{SigningKey: testSigningKey}, "Bearer not.a.token"},
		{"expired", JWTConfig{SigningKey: testSigningKey}, "Bearer " + expired},
		{"wrong key", JWTConfig{SigningKey: testSigningKey}, "Bearer " + wrongKey},
		{"wrong issuer", JWTConfig{SigningKey: testSigningKey, Issuer: "expected"}, "Bearer " + valid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invokeJWT(t, tc.cfg, tc.header)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := DevAuthMiddleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "dev-user" {
		t.Errorf("user id = %q, want dev-user", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("roles = %v, want [admin]", roles)
	}
}
