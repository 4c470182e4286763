package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenVerifier_ValidToken(t *testing.T) {
	v := NewTokenVerifier("admin-secret")

	token, err := v.IssueToken("operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	v.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestTokenVerifier_Rejections(t *testing.T) {
	v := NewTokenVerifier("admin-secret")

	expired, err := v.IssueToken("operator", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	foreign, err := NewTokenVerifier("other-secret").IssueToken("operator", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			v.Middleware(okHandler()).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestTokenVerifier_DisabledWithoutSecret(t *testing.T) {
	v := NewTokenVerifier("")

	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	rec := httptest.NewRecorder()

	v.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (pass-through)", rec.Code, http.StatusOK)
	}
}
