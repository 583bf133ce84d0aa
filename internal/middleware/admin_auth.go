package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AdminAuth guards the operator endpoints with a signed bearer token.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			logrus.WithField("path", c.Request.URL.Path).Warn("admin request without bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logrus.WithError(err).WithField("path", c.Request.URL.Path).Warn("admin token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set("admin_subject", sub)
		}
		c.Next()
	}
}

// IPAllowlist rejects admin requests from outside the configured set. An
// empty list disables the check.
func IPAllowlist(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		set[ip] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			c.Next()
			return
		}
		if _, ok := set[c.ClientIP()]; !ok {
			logrus.WithField("ip", c.ClientIP()).Warn("admin request from disallowed ip")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request with latency and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}
