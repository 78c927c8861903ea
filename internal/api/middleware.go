// Package api implements the REST API server for Partyline, providing
// remote management capabilities with bearer-token authentication and
// role-based access control (RBAC).
package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
)

// Permission levels for RBAC (3-tier model).
const (
	PermMonitor   = "monitor"   // View mediator status, queues, stats
	PermControl   = "control"   // Open/close sockets, clear queues
	PermConfigure = "configure" // Modify configuration, manage tokens
)

// tokenCacheTTL is how long a verified token stays cached before the
// store is consulted again. Keeps revocation reasonably fast while
// avoiding a SQLite hit on every request.
const tokenCacheTTL = 5 * time.Minute

// AuthMiddleware handles bearer-token verification and RBAC against
// the token store.
type AuthMiddleware struct {
	tokens *db.TokenStore
	cfg    *config.Config

	// Token verification cache
	mu    sync.RWMutex
	cache map[string]*cachedToken
}

type cachedToken struct {
	name      string
	perms     map[string]bool
	expiresAt time.Time
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens *db.TokenStore, cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		cfg:    cfg,
		cache:  make(map[string]*cachedToken),
	}
}

// RequireAuth returns a Gin middleware that verifies API tokens.
// When auth_disabled is true in config, all requests are treated as a local admin.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Bypass auth when disabled (local mode)
		if am.cfg.ApplicationData.Security.AuthDisabled {
			c.Set("token_name", "local-admin")
			c.Next()
			return
		}

		secret := extractBearerToken(c.GetHeader("Authorization"))
		if secret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			c.Abort()
			return
		}

		entry, err := am.verify(secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or unknown token",
			})
			c.Abort()
			return
		}

		// Store token info in context
		c.Set("token_name", entry.name)
		c.Set("token_secret", secret)

		c.Next()
	}
}

// RequirePermission returns a middleware that checks RBAC permissions.
// When auth_disabled is true in config, all permissions are granted.
func (am *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Bypass permission check when auth is disabled (local mode)
		if am.cfg.ApplicationData.Security.AuthDisabled {
			c.Next()
			return
		}

		secretVal, exists := c.Get("token_secret")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		secret := secretVal.(string)

		hasPermission, err := am.hasPermission(secret, permission)
		if err != nil {
			name, _ := c.Get("token_name")
			log.Error().Err(err).Interface("token", name).Str("perm", permission).
				Msg("permission check failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "permission check failed",
			})
			c.Abort()
			return
		}

		if !hasPermission {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": permission,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// verify resolves a presented secret to a token, consulting the cache first.
func (am *AuthMiddleware) verify(secret string) (*cachedToken, error) {
	am.mu.RLock()
	entry, ok := am.cache[secret]
	am.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry, nil
	}

	tok, err := am.tokens.VerifyToken(secret)
	if err != nil {
		am.mu.Lock()
		delete(am.cache, secret)
		am.mu.Unlock()
		return nil, err
	}

	entry = &cachedToken{
		name:      tok.Name,
		perms:     make(map[string]bool),
		expiresAt: time.Now().Add(tokenCacheTTL),
	}
	am.mu.Lock()
	am.cache[secret] = entry
	am.mu.Unlock()

	return entry, nil
}

// hasPermission checks a permission for the secret, caching results per token.
func (am *AuthMiddleware) hasPermission(secret, permission string) (bool, error) {
	am.mu.RLock()
	entry, ok := am.cache[secret]
	if ok && time.Now().Before(entry.expiresAt) {
		if granted, known := entry.perms[permission]; known {
			am.mu.RUnlock()
			return granted, nil
		}
	}
	am.mu.RUnlock()

	granted, err := am.tokens.TokenHasPermission(secret, permission)
	if err != nil {
		return false, err
	}

	am.mu.Lock()
	if entry, ok := am.cache[secret]; ok {
		entry.perms[permission] = granted
	}
	am.mu.Unlock()

	return granted, nil
}

// FlushCache drops all cached token verifications. Called after token
// or role changes so revocations take effect immediately.
func (am *AuthMiddleware) FlushCache() {
	am.mu.Lock()
	am.cache = make(map[string]*cachedToken)
	am.mu.Unlock()
}

// IPWhitelist returns a middleware that restricts access to whitelisted IPs.
func (am *AuthMiddleware) IPWhitelist() gin.HandlerFunc {
	whitelist := am.cfg.ApplicationData.Security.IPWhitelist

	return func(c *gin.Context) {
		if len(whitelist) == 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		for _, ip := range whitelist {
			if clientIP == ip {
				c.Next()
				return
			}
			// Check CIDR
			if _, cidr, err := net.ParseCIDR(ip); err == nil {
				if cidr.Contains(net.ParseIP(clientIP)) {
					c.Next()
					return
				}
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error": "access denied: IP not whitelisted",
		})
		c.Abort()
	}
}

// RateLimiter implements a simple token bucket rate limiter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rate    int
	burst   int
}

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter with the specified requests per second.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rps,
		burst:   rps * 2, // Allow burst of 2x rate
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()

		rl.mu.Lock()
		bucket, exists := rl.clients[clientIP]
		if !exists {
			bucket = &clientBucket{
				tokens:    float64(rl.burst),
				lastCheck: time.Now(),
			}
			rl.clients[clientIP] = bucket
		}

		// Refill tokens
		now := time.Now()
		elapsed := now.Sub(bucket.lastCheck).Seconds()
		bucket.tokens += elapsed * float64(rl.rate)
		if bucket.tokens > float64(rl.burst) {
			bucket.tokens = float64(rl.burst)
		}
		bucket.lastCheck = now

		if bucket.tokens < 1 {
			rl.mu.Unlock()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		bucket.tokens--
		rl.mu.Unlock()

		c.Next()
	}
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Server", "Partyline")

		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("X-Frame-Options", "DENY")
			c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
