package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// StaticSource reports the same role for every user. Local development and
// smoke runs only.
type StaticSource Role

func (s StaticSource) GetRole(ctx context.Context, chatID, userID int64) (Role, error) {
	return Role(s), nil
}

// HTTPRoleSource queries the chat transport's membership endpoint:
//
//	GET {base}?chat_id=..&user_id=..  ->  {"role":"administrator"}
type HTTPRoleSource struct {
	base   string
	client *http.Client
}

func NewHTTPRoleSource(base string, timeout time.Duration) *HTTPRoleSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPRoleSource{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPRoleSource) GetRole(ctx context.Context, chatID, userID int64) (Role, error) {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	q.Set("user_id", strconv.FormatInt(userID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"?"+q.Encode(), nil)
	if err != nil {
		return RoleUnknown, fmt.Errorf("build role request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return RoleUnknown, fmt.Errorf("role lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoleUnknown, fmt.Errorf("role lookup: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Role Role `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RoleUnknown, fmt.Errorf("decode role response: %w", err)
	}
	switch body.Role {
	case RoleAdministrator, RoleOwner, RoleMember, RoleLeft, RoleKicked:
		return body.Role, nil
	default:
		return RoleUnknown, nil
	}
}
