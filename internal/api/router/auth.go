package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/handler"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Authenticator signs and verifies HS256 bearer tokens. The subject claim
// carries the user id.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. It returns nil when auth is disabled.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	if !cfg.Enabled() {
		return nil
	}
	return &Authenticator{secret: []byte(cfg.SigningSecret()), issuer: cfg.Issuer, now: time.Now}
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and returns its user id.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", domain.NewError(domain.CodeAuthRequired, "missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", domain.WrapError(domain.CodeTokenExpired, err, "token expired")
	case err != nil:
		return "", domain.WrapError(domain.CodeAuthRequired, err, "invalid token")
	case claims.Subject == "":
		return "", domain.NewError(domain.CodeAuthRequired, "token has no subject")
	}
	return claims.Subject, nil
}

// AuthMiddleware requires a valid bearer token and stores its user id on the
// context. A nil authenticator lets every request through.
func AuthMiddleware(auth *Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token = ""
		}

		userID, err := auth.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.Warn("Authentication failed",
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()),
			)
			handler.RespondError(c, err)
			return
		}

		c.Set(handler.UserIDKey, userID)
		c.Next()
	}
}
