package auth

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

// Parse verifies an HS256 token and extracts the caller's identity. The user
// id comes from the "id" claim, falling back to "sub".
func Parse(tokenStr, secret string) (*Context, error) {
	if tokenStr == "" {
		metrics.TokenErrors.WithLabelValues("missing").Inc()
		return nil, relayerrors.ErrMissingToken
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			metrics.TokenErrors.WithLabelValues("expired").Inc()
			return nil, relayerrors.ErrTokenExpired
		}
		metrics.TokenErrors.WithLabelValues("invalid").Inc()
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidToken, err.Error())
	}
	if !token.Valid {
		metrics.TokenErrors.WithLabelValues("invalid").Inc()
		return nil, relayerrors.ErrInvalidToken
	}

	authCtx := &Context{
		UserID:    toString(claims["id"]),
		DeviceID:  toString(claims["deviceId"]),
		Roles:     toStringSlice(claims["roles"]),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: toTime(claims["exp"]),
		RawClaims: claims,
	}
	if authCtx.UserID == "" {
		authCtx.UserID = toString(claims["sub"])
	}
	if authCtx.UserID == "" {
		metrics.TokenErrors.WithLabelValues("no_subject").Inc()
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidToken, "token carries no user id")
	}
	return authCtx, nil
}

// Helper to convert interface{} to string.
func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Helper to convert interface{} to []string.
func toStringSlice(v interface{}) []string {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	if arr, ok := v.([]string); ok {
		return arr
	}
	return nil
}

// Helper to convert JWT numeric date to time.Time.
func toTime(v interface{}) time.Time {
	if v == nil {
		return time.Time{}
	}
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	}
	return time.Time{}
}
