package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/auth"
)

// AuthHandler serves POST /auth/token, the client-credentials token exchange.
// There is one API client, configured at deploy time — the hub is
// machine-to-machine infrastructure, not a multi-user product.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
	}
}

// tokenRequest is the body of POST /auth/token.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// tokenResponse is the issued bearer token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token handles POST /auth/token.
// 200 with a bearer token on valid credentials, 401 otherwise. The failure
// response does not distinguish unknown client from wrong secret.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	grant, err := h.svc.IssueToken(req.ClientID, req.ClientSecret)
	if err != nil {
		h.logger.Warn("token request rejected",
			zap.String("client_id", req.ClientID),
			zap.String("remote_addr", r.RemoteAddr))
		ErrInvalidCredentials(w)
		return
	}

	Ok(w, tokenResponse{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
		ExpiresIn:   grant.ExpiresIn,
	})
}
