package auth

import (
	"strings"
	"testing"
	"time"
)

func TestJWTMintVerify(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Mint("admin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if !strings.HasPrefix(token, "eyJ") {
		t.Fatalf("token does not look like a JWT: %q", token)
	}
	subject, err := service.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if subject != "admin" {
		t.Fatalf("subject = %q, want admin", subject)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Mint("admin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := NewJWTService("secret-b", time.Hour).Verify(token); err == nil {
		t.Fatal("expected verification failure across secrets")
	}
}

func TestJWTRejectsExpired(t *testing.T) {
	service := NewJWTService("secret", -time.Minute)
	token, err := service.Mint("admin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := service.Verify(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestJWTNoExpiry(t *testing.T) {
	service := NewJWTService("secret", 0)
	token, err := service.Mint("admin")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := service.Verify(token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestJWTEmptySubject(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	if _, err := service.Mint("   "); err == nil {
		t.Fatal("expected error for blank subject")
	}
}
