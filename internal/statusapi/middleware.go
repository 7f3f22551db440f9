package statusapi

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Per-IP rate limiters, same shape as internal/api/middleware.go's
// ipLimiters/getIPLimiter, periodically reset rather than individually
// evicted.
var (
	ipLimiters   = make(map[string]*rate.Limiter)
	ipLimitersMu sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	ipLimitersMu.RLock()
	limiter, exists := ipLimiters[ip]
	ipLimitersMu.RUnlock()
	if exists {
		return limiter
	}

	ipLimitersMu.Lock()
	defer ipLimitersMu.Unlock()
	if limiter, exists := ipLimiters[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

func init() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ipLimitersMu.Lock()
			ipLimiters = make(map[string]*rate.Limiter)
			ipLimitersMu.Unlock()
		}
	}()
}

// RateLimitMiddleware caps each client IP to 20 req/s (burst 50) against
// the read-only status endpoints.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware stamps every request with an X-Request-ID, reusing
// an inbound one if the caller already set it.
//
// Grounded on internal/api/middleware.go's RequestIDMiddleware, same
// google/uuid usage.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs every request with timing and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Printf("[statusapi] %s %s | %d | %v", method, path, c.Writer.Status(), time.Since(start))
	}
}

// serviceClaims is the JWT claim set minted for status-API access. There
// are no end-user accounts here, so Subject is always "status".
type serviceClaims struct {
	jwt.RegisteredClaims
}

// MintStatusToken signs a service token (Subject "status", expiring after
// ttl) that BearerAuthMiddleware accepts on /status. No command in this
// module calls it.
func MintStatusToken(secret string, ttl time.Duration) (string, error) {
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "status",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseStatusToken(tokenStr, secret string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &serviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// BearerAuthMiddleware requires "Authorization: Bearer <jwt>" signed with
// the configured secret.
//
// Grounded on internal/api/auth.go's AuthMiddleware header-parsing and
// golang-jwt/jwt/v5 usage, narrowed to a single service-wide token since
// the status API has no per-user accounts of its own.
func BearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		if err := parseStatusToken(parts[1], secret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}
