package auth

import (
	"crypto/subtle"
	"time"
)

// Config holds the credentials of the single configured API client and the
// JWT signing settings. An empty JWTSecret disables authentication.
type Config struct {
	JWTSecret string
	ClientID  string

	// ClientSecret is the plaintext secret, compared in constant time.
	// ClientSecretHash, when set, takes precedence and holds an Argon2id
	// digest in "saltHex:hashHex" form (see HashClientSecret).
	ClientSecret     string
	ClientSecretHash string

	TokenExpiry time.Duration
	Issuer      string
}

// TokenGrant is the result of a successful credentials exchange.
type TokenGrant struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
}

// Service is the entry point for all authentication operations. The REST
// layer depends on Service, never on the JWTManager directly, so the
// enabled/disabled decision lives in one place.
type Service struct {
	cfg Config
	jwt *JWTManager
}

// NewService builds the auth service. When cfg.JWTSecret is empty the
// service reports Enabled() == false and every other method refuses.
func NewService(cfg Config) *Service {
	if cfg.Issuer == "" {
		cfg.Issuer = "scanhub"
	}
	s := &Service{cfg: cfg}
	if cfg.JWTSecret != "" {
		s.jwt = NewJWTManager(cfg.JWTSecret, cfg.Issuer, cfg.TokenExpiry)
	}
	return s
}

// Enabled reports whether bearer authentication is configured.
func (s *Service) Enabled() bool { return s.jwt != nil }

// IssueToken verifies the client credentials and returns a fresh grant.
// Wrong credentials, an unknown client ID, and a disabled service all return
// ErrInvalidCredentials so callers cannot probe which part was wrong.
func (s *Service) IssueToken(clientID, clientSecret string) (*TokenGrant, error) {
	if !s.Enabled() {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(clientID), []byte(s.cfg.ClientID)) != 1 {
		return nil, ErrInvalidCredentials
	}
	if !s.verifySecret(clientSecret) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateToken(clientID)
	if err != nil {
		return nil, err
	}
	return &TokenGrant{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.jwt.Expiry().Seconds()),
	}, nil
}

// ValidateToken verifies a bearer token string. Fails with ErrTokenInvalid
// when the service is disabled — the middleware never calls it in that case.
func (s *Service) ValidateToken(token string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrTokenInvalid
	}
	return s.jwt.ValidateToken(token)
}

// verifySecret checks the presented secret against the configured one. The
// hashed form wins when both are set.
func (s *Service) verifySecret(secret string) bool {
	if s.cfg.ClientSecretHash != "" {
		return verifySecretHash(secret, s.cfg.ClientSecretHash)
	}
	if s.cfg.ClientSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.ClientSecret)) == 1
}
