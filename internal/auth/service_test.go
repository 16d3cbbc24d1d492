package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewService("propdesk", []byte("secret"), time.Hour)

	token, err := svc.IssueToken("u1", "")
	require.NoError(t, err)
	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, RoleUser, claims.Role)

	_, err = svc.IssueToken(" ", RoleUser)
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	svc := NewService("propdesk", []byte("secret"), time.Hour)
	token, err := svc.IssueToken("u1", RoleUser)
	require.NoError(t, err)

	other := NewService("propdesk", []byte("other"), time.Hour)
	_, err = other.ParseToken(token)
	assert.Error(t, err, "wrong secret")

	foreign := NewService("elsewhere", []byte("secret"), time.Hour)
	_, err = foreign.ParseToken(token)
	assert.Error(t, err, "wrong issuer")

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ParseToken(token)
	assert.Error(t, err, "expired")
}

func TestAdminLogin(t *testing.T) {
	svc := NewService("propdesk", []byte("secret"), time.Hour)
	_, err := svc.AdminLogin("root", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	svc.SetAdmin("root", hash)

	_, err = svc.AdminLogin("root", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.AdminLogin("admin", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := svc.AdminLogin("root", "s3cret")
	require.NoError(t, err)
	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)

	_, err = HashPassword("")
	assert.Error(t, err)
}
