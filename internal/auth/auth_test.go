package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckKey(t *testing.T) {
	service := NewService(Config{APIKey: "sk-test-123"})
	if err := service.CheckKey("sk-test-123"); err != nil {
		t.Fatalf("CheckKey() error = %v", err)
	}
	if err := service.CheckKey("  sk-test-123  "); err != nil {
		t.Fatalf("CheckKey() with surrounding space error = %v", err)
	}
	if err := service.CheckKey("sk-wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("CheckKey() wrong key error = %v, want ErrInvalidKey", err)
	}
}

func TestCheckKeyDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Fatal("expected auth disabled with empty config")
	}
	if err := service.CheckKey("anything"); err != nil {
		t.Fatalf("CheckKey() on disabled service error = %v", err)
	}
}

func TestAuthorizeHeaderForms(t *testing.T) {
	service := NewService(Config{APIKey: "sk-test-123"})

	tests := []struct {
		name   string
		header string
		value  string
		ok     bool
	}{
		{"bearer", "Authorization", "Bearer sk-test-123", true},
		{"bearer case", "Authorization", "bearer sk-test-123", true},
		{"x-api-key", "X-Api-Key", "sk-test-123", true},
		{"api-key", "Api-Key", "sk-test-123", true},
		{"wrong key", "X-Api-Key", "sk-nope", false},
		{"missing", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/chat", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			err := service.Authorize(r)
			if tt.ok && err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Authorize() expected error")
			}
		})
	}
}

func TestAuthorizeQueryToken(t *testing.T) {
	service := NewService(Config{APIKey: "sk-test-123"})
	r := httptest.NewRequest("GET", "/api/monitor/ws?token=sk-test-123", nil)
	if err := service.Authorize(r); err != nil {
		t.Fatalf("Authorize() with query token error = %v", err)
	}
}

func TestAuthorizeAdmin(t *testing.T) {
	service := NewService(Config{APIKey: "sk-test-123", JWTSecret: "secret", TokenExpiry: time.Hour})

	token, err := service.JWT().Mint("admin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	r := httptest.NewRequest("GET", "/api/monitor/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	subject, err := service.AuthorizeAdmin(r)
	if err != nil {
		t.Fatalf("AuthorizeAdmin() with JWT error = %v", err)
	}
	if subject != "admin" {
		t.Fatalf("subject = %q, want admin", subject)
	}

	r = httptest.NewRequest("GET", "/api/monitor/sessions", nil)
	r.Header.Set("X-Api-Key", "sk-test-123")
	subject, err = service.AuthorizeAdmin(r)
	if err != nil {
		t.Fatalf("AuthorizeAdmin() with API key error = %v", err)
	}
	if subject != "api" {
		t.Fatalf("subject = %q, want api", subject)
	}

	r = httptest.NewRequest("GET", "/api/monitor/sessions", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	if _, err := service.AuthorizeAdmin(r); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("AuthorizeAdmin() with garbage error = %v, want ErrInvalidToken", err)
	}

	r = httptest.NewRequest("GET", "/api/monitor/sessions", nil)
	if _, err := service.AuthorizeAdmin(r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("AuthorizeAdmin() without credentials error = %v, want ErrMissingCredentials", err)
	}
}

func TestSubjectContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	ctx := WithSubject(r.Context(), "admin")
	subject, ok := SubjectFrom(ctx)
	if !ok || subject != "admin" {
		t.Fatalf("SubjectFrom() = %q, %v", subject, ok)
	}
	if _, ok := SubjectFrom(r.Context()); ok {
		t.Fatal("expected no subject on bare context")
	}
}
