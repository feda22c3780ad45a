// Package auth verifies bearer credentials and resolves them to principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fleettrack/internal/model"
)

// Modes: dev accepts "tenant:role[:driverId]" tokens without verification;
// hmac verifies HS256 tokens and resolves the subject to a cached user.
const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInactiveUser = errors.New("auth: user not found or inactive")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	TenantID string
	Role     string
	DriverID string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// UserLookup reads the user cache populated from the users change stream.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// Claims carried by issued tokens. Tenant and role are informational; the
// cached user record is authoritative.
type Claims struct {
	Tenant string `json:"tenant,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates tokens and extracts the principal.
type Verifier struct {
	mode   string
	secret []byte
	users  UserLookup
	parser *jwt.Parser
}

func NewVerifier(mode string, secret []byte, users UserLookup) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	return &Verifier{
		mode:   mode,
		secret: secret,
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func (v *Verifier) Mode() string { return v.mode }

// Verify resolves a raw token. An expired or malformed token is treated the
// same as a missing one.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	switch v.mode {
	case ModeDev:
		return devPrincipal(token)
	case ModeHMAC:
		return v.verifyHMAC(ctx, token)
	default:
		return Principal{}, fmt.Errorf("auth: unsupported mode %q", v.mode)
	}
}

func devPrincipal(token string) (Principal, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Principal{}, fmt.Errorf("%w: expected tenant:role[:driverId]", ErrInvalidToken)
	}
	p := Principal{TenantID: parts[0], Role: strings.ToLower(parts[1])}
	if len(parts) > 2 {
		p.DriverID = parts[2]
	}
	p.UserID = "dev:" + p.TenantID + ":" + p.Role
	return p, nil
}

func (v *Verifier) verifyHMAC(ctx context.Context, token string) (Principal, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	u, err := v.users.GetUser(ctx, claims.Subject)
	if err != nil || !u.Active {
		return Principal{}, ErrInactiveUser
	}
	return Principal{
		UserID:   u.ID,
		TenantID: u.TenantID,
		Role:     strings.ToLower(u.Role),
		DriverID: u.DriverID,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
