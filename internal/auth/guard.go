// Package auth decides whether a user may drive a chat's ledger and
// authenticates the transport daemon that fronts the engine.
package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Role is a user's standing in a chat as reported by the permission oracle.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleOwner         Role = "owner"
	RoleMember        Role = "member"
	RoleLeft          Role = "left"
	RoleKicked        Role = "kicked"
	RoleUnknown       Role = "unknown"
)

// RoleSource is the external permission oracle (chat transport membership
// lookup). Implementations must honour the context deadline.
type RoleSource interface {
	GetRole(ctx context.Context, chatID, userID int64) (Role, error)
}

// Guard authorizes ledger mutations: chat administrators and owners pass via
// the oracle, everyone else via the chat's operator set. Oracle lookups are
// bounded by a timeout and a token bucket.
type Guard struct {
	source  RoleSource
	timeout time.Duration
	limiter *rate.Limiter
}

// NewGuard builds a Guard. A nil source degrades to operator-set checks only.
func NewGuard(source RoleSource, timeout time.Duration, lookupsPerSec float64, burst int) *Guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if lookupsPerSec <= 0 {
		lookupsPerSec = 25
	}
	if burst <= 0 {
		burst = 50
	}
	return &Guard{
		source:  source,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(lookupsPerSec), burst),
	}
}

// IsAuthorized reports whether the user may mutate the chat's ledger.
// Oracle failure or throttling falls through to the operator check; it only
// fails closed when both paths say no.
func (g *Guard) IsAuthorized(ctx context.Context, chatID, userID int64, username string, operators []string) bool {
	if g.source != nil && g.limiter.Allow() {
		lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
		role, err := g.source.GetRole(lookupCtx, chatID, userID)
		cancel()
		if err == nil && (role == RoleAdministrator || role == RoleOwner) {
			return true
		}
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return false
	}
	for _, op := range operators {
		if strings.ToLower(op) == username {
			return true
		}
	}
	return false
}
