package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestDecoder_Decode_unverified(t *testing.T) {
	token := signToken(t, "someone-elses-key", jwt.MapClaims{
		"sub":  "user-123",
		"role": "admin",
		"tid":  "tenant-1",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	id, err := NewDecoder("").Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.SubjectID)
	assert.Equal(t, "admin", id.Role)
	assert.Equal(t, "tenant-1", id.TenantID)
	assert.Equal(t, token, id.Token)
	require.NotNil(t, id.ExpiresAt)
}

func TestDecoder_Decode_numeric_id_and_roles(t *testing.T) {
	token := signToken(t, "k", jwt.MapClaims{
		"id":    42,
		"roles": []string{"editor", "viewer"},
	})

	id, err := NewDecoder("").Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "42", id.SubjectID)
	assert.Equal(t, "editor", id.Role)
	assert.Nil(t, id.ExpiresAt)
}

func TestDecoder_Decode_strips_bearer_prefix(t *testing.T) {
	token := signToken(t, "k", jwt.MapClaims{"sub": "u1"})

	id, err := NewDecoder("").Decode("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.SubjectID)
}

func TestDecoder_Decode_verified(t *testing.T) {
	token := signToken(t, "secret", jwt.MapClaims{"sub": "u1"})

	_, err := NewDecoder("secret").Decode(token)
	require.NoError(t, err)

	_, err = NewDecoder("other").Decode(token)
	require.Error(t, err)
}

func TestDecoder_Decode_expired(t *testing.T) {
	token := signToken(t, "k", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := NewDecoder("").Decode(token)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestDecoder_Decode_missing_subject(t *testing.T) {
	token := signToken(t, "k", jwt.MapClaims{"role": "admin"})

	_, err := NewDecoder("").Decode(token)
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestDecoder_Decode_malformed(t *testing.T) {
	_, err := NewDecoder("").Decode("not-a-token")
	require.Error(t, err)

	_, err = NewDecoder("").Decode("   ")
	require.Error(t, err)
}
