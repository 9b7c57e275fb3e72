package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Gin context keys set by Middleware.
	ContextTenantID = "tenantID"
	ContextUserID   = "userID"
)

type Claims struct {
	TenantID string `json:"tenantId"`
	jwt.RegisteredClaims
}

var errMissingTenant = errors.New("token has no tenant claim")

// ParseToken validates an HS256 bearer token and extracts its claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if claims.TenantID == "" {
		return nil, errMissingTenant
	}
	return claims, nil
}

// Middleware authenticates tenant requests via a JWT bearer token and puts
// the tenant and user identity on the gin context.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := ParseToken(strings.TrimPrefix(header, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextTenantID, claims.TenantID)
		c.Set(ContextUserID, claims.Subject)
		c.Next()
	}
}

// TenantID returns the authenticated tenant for the request.
func TenantID(c *gin.Context) string {
	return c.GetString(ContextTenantID)
}

// UserID returns the authenticated user for the request.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
