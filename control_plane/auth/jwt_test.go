package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	s := NewSigner("0123456789abcdef0123456789abcdef", time.Hour)
	token, err := s.Issue("A1", RoleAgent)
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "A1", claims.Subject)
	assert.Equal(t, RoleAgent, claims.Role)
	assert.False(t, claims.IsAdmin())
}

func TestValidateRejectsTampering(t *testing.T) {
	s := NewSigner("0123456789abcdef0123456789abcdef", time.Hour)
	token, err := s.Issue("alice", RoleUser)
	require.NoError(t, err)

	other := NewSigner("ffffffffffffffffffffffffffffffff", time.Hour)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	admin, err := s.Issue("alice", RoleAdmin)
	require.NoError(t, err)
	forged := token[:len(token)-len(lastPart(token))] + lastPart(admin)
	_, err = s.Validate(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func lastPart(token string) string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[i+1:]
		}
	}
	return token
}

func TestValidateRejectsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSigner("", time.Minute).WithClock(func() time.Time { return now })
	assert.True(t, s.UsesDevSecret())

	token, err := s.Issue("A1", RoleAgent)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
