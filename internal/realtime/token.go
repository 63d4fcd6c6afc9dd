package realtime

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider 每次建连前获取最新令牌
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken 固定令牌
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// checkTokenExpiry 对 JWT 格式的令牌做本地过期预检，签名由服务端校验。
// 非 JWT 令牌直接放行。
func checkTokenExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	return nil
}
