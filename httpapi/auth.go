package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// CookieName is the cookie checked when no bearer token is sent. Browsers
// cannot set headers on an EventSource.
const CookieName = "auth_token"

const userKey = "userID"

var errMissingToken = errors.New("missing token")

// requireUser verifies an HS256 token and stores its subject as the user ID.
func (s *Server) requireUser() echo.MiddlewareFunc {
	secret := []byte(s.cfg.JWTSecret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, err := verify(c, secret)
			if err != nil {
				s.log.Debug("rejected token", "error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			c.Set(userKey, sub)
			return next(c)
		}
	}
}

func verify(c echo.Context, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	raw := bearer(c.Request())
	if raw == "" {
		return "", errMissingToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if ck, err := r.Cookie(CookieName); err == nil {
		return ck.Value
	}
	return ""
}

func userID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}
