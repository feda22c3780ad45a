package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/model"
	"fleettrack/internal/store"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Tenant: "ignored",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func users(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "u1", TenantID: "t1", Role: "Driver", DriverID: "D1", Active: true}))
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "u2", TenantID: "t1", Role: "admin", Active: false}))
	return st
}

func TestHMACResolvesCachedUser(t *testing.T) {
	v := NewVerifier("HMAC", secret, users(t))
	p, err := v.Verify(context.Background(), sign(t, secret, "u1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", TenantID: "t1", Role: model.RoleDriver, DriverID: "D1"}, p)
	assert.False(t, p.IsAdmin())
}

func TestHMACRejections(t *testing.T) {
	v := NewVerifier(ModeHMAC, secret, users(t))
	ctx := context.Background()
	cases := map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"wrong key":  sign(t, []byte("other"), "u1", time.Now().Add(time.Hour)),
		"expired":    sign(t, secret, "u1", time.Now().Add(-time.Minute)),
		"inactive":   sign(t, secret, "u2", time.Now().Add(time.Hour)),
		"unknown":    sign(t, secret, "u9", time.Now().Add(time.Hour)),
		"no subject": sign(t, secret, "", time.Now().Add(time.Hour)),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, tok)
			assert.Error(t, err)
		})
	}
}

func TestDevTokens(t *testing.T) {
	v := NewVerifier("", nil, nil)
	assert.Equal(t, ModeDev, v.Mode())

	p, err := v.Verify(context.Background(), "t1:ADMIN")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "t1", p.TenantID)

	p, err = v.Verify(context.Background(), "t1:driver:D7")
	require.NoError(t, err)
	assert.Equal(t, "D7", p.DriverID)

	_, err = v.Verify(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
