package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tallybot.org/internal/audit"
	"tallybot.org/internal/auth"
)

type tokenRequest struct {
	Subject string `json:"subject"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 12 * time.Hour

// handleAuthToken issues a bearer token for a transport daemon. Only useful
// when TALLY_AUTH_SECRET is set; without it the API runs open and the
// endpoint reports 503.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.TokensConfigured() {
		writeError(w, r, http.StatusServiceUnavailable, "token auth is not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}

	token, err := auth.GenerateToken(subject, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject":    subject,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
