package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JWT context keys
const (
	ClaimsKey     = "jwt_claims"
	SubjectKey    = "jwt_subject"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

var errMissingCredentials = errors.New("missing bearer credentials")

// TokenValidator validates bearer tokens
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// OperatorAuth requires a valid bearer token on every request
func OperatorAuth(v TokenValidator, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		header := c.GetHeader(AuthHeaderKey)
		if header == "" {
			unauthorized(c, log, errMissingCredentials, "Missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, BearerPrefix)
		if !ok || token == "" {
			unauthorized(c, log, errMissingCredentials, "Invalid authorization header format")
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			unauthorized(c, log, err, "Token validation failed")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(SubjectKey, claims.Subject)
		reqLogger := logger.GetGinLogger(c).With(zap.String("operator", claims.Subject))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLogger))
		c.Next()
	}
}

// RequireScope rejects tokens that lack scope. It must run after OperatorAuth.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			abortWithError(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Authentication required")
			return
		}
		if !claims.HasScope(scope) {
			abortWithError(c, http.StatusForbidden, dto.ErrCodeForbidden, "Token lacks scope "+scope)
			return
		}
		c.Next()
	}
}

// GetClaims retrieves the operator claims, if any
func GetClaims(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// GetSubject retrieves the authenticated operator
func GetSubject(c *gin.Context) string {
	return c.GetString(SubjectKey)
}

func unauthorized(c *gin.Context, log *zap.Logger, err error, message string) {
	log.Warn("operator authentication failed",
		zap.Error(err),
		zap.String("reason", message),
		zap.String("path", c.Request.URL.Path),
	)

	code, msg := dto.ErrCodeUnauthorized, "Authentication required"
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		code, msg = dto.ErrCodeTokenExpired, "Token has expired"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidClaims),
		errors.Is(err, auth.ErrTokenNotYetValid), errors.Is(err, auth.ErrMissingSubject):
		code, msg = dto.ErrCodeTokenInvalid, "Invalid token"
	}
	abortWithError(c, http.StatusUnauthorized, code, msg)
}
