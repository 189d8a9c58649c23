// Package auth guards the HTTP surface: a single static API key for the
// chat endpoints and HS256 admin tokens for the monitor surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Config configures authentication helpers.
type Config struct {
	// APIKey guards the chat API. Empty disables the check.
	APIKey string
	// JWTSecret signs admin tokens for the monitor surface. Empty
	// disables JWT minting and verification.
	JWTSecret   string
	TokenExpiry time.Duration
}

// Service validates the API key and admin JWTs.
type Service struct {
	apiKey []byte
	jwt    *JWTService
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	s := &Service{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		s.apiKey = []byte(key)
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return s
}

// Enabled reports whether any auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (len(s.apiKey) > 0 || s.jwt != nil)
}

// JWT exposes the token service for the CLI minter. Nil when no secret is
// configured.
func (s *Service) JWT() *JWTService {
	if s == nil {
		return nil
	}
	return s.jwt
}

// CheckKey validates an API key in constant time. A service without a
// configured key accepts everything.
func (s *Service) CheckKey(key string) error {
	if s == nil || len(s.apiKey) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), s.apiKey) == 1 {
		return nil
	}
	return ErrInvalidKey
}

// Authorize guards the chat surface. The configured API key must arrive as
// a Bearer token or X-API-Key header; without a configured key every
// request passes.
func (s *Service) Authorize(r *http.Request) error {
	if s == nil || len(s.apiKey) == 0 {
		return nil
	}
	cred := credential(r)
	if cred == "" {
		return ErrMissingCredentials
	}
	return s.CheckKey(cred)
}

// AuthorizeAdmin guards the monitor surface: an admin JWT or the API key
// both pass. Returns the authenticated subject ("api" for key access).
func (s *Service) AuthorizeAdmin(r *http.Request) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	cred := credential(r)
	if cred == "" {
		return "", ErrMissingCredentials
	}
	if s.jwt != nil {
		if subject, err := s.jwt.Verify(cred); err == nil {
			return subject, nil
		}
	}
	if len(s.apiKey) > 0 && s.CheckKey(cred) == nil {
		return "api", nil
	}
	return "", ErrInvalidToken
}

// credential pulls the bearer token or API key off the request. Query
// fallback exists for the websocket feed, where browsers cannot set
// headers.
func credential(r *http.Request) string {
	if value := r.Header.Get("Authorization"); value != "" {
		if strings.HasPrefix(strings.ToLower(value), "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	for _, key := range []string{"X-Api-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
