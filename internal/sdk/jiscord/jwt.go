package jiscord

import (
	"context"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/jiscord-gateway/pkg/util/merr"
)

// JWTVerifier 在本地用 HS256 共享密钥校验 token，不依赖认证服务。
// subject 即用户 ID。
type JWTVerifier struct {
	secret []byte
	parser *jwtlib.Parser
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, merr.WrapErrParameterMissing("auth.jwt-secret")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
			jwtlib.WithExpirationRequired(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", merr.WrapErrTokenMissing()
	}

	start := time.Now()
	claims := &jwtlib.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		err = merr.WrapErrIdentityRejected("invalid token", err.Error())
		observe(collaboratorJWT, start, err)
		return "", err
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		err = merr.WrapErrIdentityRejected("empty subject")
		observe(collaboratorJWT, start, err)
		return "", err
	}
	observe(collaboratorJWT, start, nil)
	return sub, nil
}

// IssueToken 签发 HS256 token，供示例客户端与测试使用。
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", merr.WrapErrParameterMissing("secret")
	}
	now := time.Now()
	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}
