// Package auth issues and verifies operator tokens for the admin surface.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const issuer = "ai-agent-dev-team"

// Roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Scopes
const (
	ScopeTasksRead   = "tasks:read"
	ScopeTasksWrite  = "tasks:write"
	ScopePhaseManage = "phase:manage"
	ScopeEventsRead  = "events:read"
)

// ScopesForRole returns the scopes granted to a role. Unknown roles get none.
func ScopesForRole(role string) []string {
	switch role {
	case RoleOperator:
		return []string{ScopeTasksRead, ScopeTasksWrite, ScopePhaseManage, ScopeEventsRead}
	case RoleViewer:
		return []string{ScopeTasksRead, ScopeEventsRead}
	default:
		return nil
	}
}

// Claims are the JWT claims carried by an operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenManager signs and validates HS256 tokens.
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{signingKey: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a token for subject with the scopes of role.
func (m *TokenManager) Issue(subject, role string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, sdkerrors.Authentication("TOKEN_SUBJECT_REQUIRED", "token subject is required")
	}
	scopes := ScopesForRole(role)
	if scopes == nil {
		return "", time.Time{}, sdkerrors.Authentication("UNKNOWN_ROLE", fmt.Sprintf("unknown role %q", role))
	}

	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Role:   role,
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, sdkerrors.Wrap(sdkerrors.ErrAuthentication, "TOKEN_SIGN_FAILED", "failed to sign token", err)
	}
	return signed, expires, nil
}

// Verify parses a token and returns its principal.
func (m *TokenManager) Verify(token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		code := "TOKEN_INVALID"
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = "TOKEN_EXPIRED"
		}
		return nil, sdkerrors.Wrap(sdkerrors.ErrAuthentication, code, "token rejected", err)
	}
	if !parsed.Valid {
		return nil, sdkerrors.Authentication("TOKEN_INVALID", "token rejected")
	}

	p := &Principal{
		Subject: claims.Subject,
		Role:    claims.Role,
		Scopes:  claims.Scopes,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", sdkerrors.Authentication("AUTH_HEADER_INVALID", "invalid authorization header format")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}
