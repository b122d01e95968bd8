// Package middleware provides the gin middlewares shared by the HTTP and
// websocket surfaces: JWT authentication and redis-backed rate limiting.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/domain"
)

// ErrMissingAuthHeader marks a request that carried no Authorization header.
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Context key under which the authenticated identity is stored.
const IdentityKey = "identity"

// Auth returns a gin middleware that validates the bearer JWT and stores the
// caller's identity in the context. Browsers cannot set headers on websocket
// upgrades, so a "token" query parameter is accepted as a fallback.
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: missing credentials")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.WithError(err).Warn("Auth middleware: malformed token")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: invalid token")
			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
				logCtx.Warn("Reason: token is expired")
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		identity, err := identityFromClaims(claims)
		if err != nil {
			logrus.WithError(err).Error("Auth middleware: incomplete claims")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token missing required claims"})
			c.Abort()
			return
		}

		c.Set(IdentityKey, identity)
		logrus.WithField("user_id", identity.UserID).Debug("Auth middleware: user authenticated")
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Auth.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

func validateToken(tokenStr, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token or claims type")
}

func identityFromClaims(claims jwt.MapClaims) (domain.Identity, error) {
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return domain.Identity{}, errors.New("user_id claim missing or empty")
	}
	username, _ := claims["username"].(string)
	if username == "" {
		username = userID
	}
	email, _ := claims["email"].(string)
	color, _ := claims["color"].(string)
	return domain.Identity{UserID: userID, Username: username, Email: email, Color: color}, nil
}
