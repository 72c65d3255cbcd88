package jiscord

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

func TestJWTVerifier(t *testing.T) {
	_, err := NewJWTVerifier("")
	assert.True(t, errors.Is(err, merr.ErrParameterMissing))

	v, err := NewJWTVerifier("s3cret")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		tok, err := IssueToken("s3cret", "u-1", time.Minute)
		require.NoError(t, err)
		uid, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "u-1", uid)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := v.Verify(ctx, "")
		assert.True(t, errors.Is(err, merr.ErrTokenMissing))
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := IssueToken("other", "u-1", time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := IssueToken("s3cret", "u-1", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
	})

	t.Run("wrong alg", func(t *testing.T) {
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, jwtlib.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
	})

	t.Run("no subject", func(t *testing.T) {
		tok, err := IssueToken("s3cret", "", time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.True(t, errors.Is(err, merr.ErrIdentityRejected))
	})
}
