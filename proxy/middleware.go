package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ctxRequestID = "requestID"
const ctxAuthToken = "authToken"

// requestIDMiddleware tags every request with a short id, echoed back in
// the X-Request-ID header and carried into log lines.
func (pm *ProxyManager) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// observabilityMiddleware drives the connection gauge, the per-endpoint
// counters and the access log.
func (pm *ProxyManager) observabilityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.metrics.ActiveConnections.Inc()
		defer pm.metrics.ActiveConnections.Dec()

		c.Next()

		duration := time.Since(start)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		status := c.Writer.Status()
		pm.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		pm.metrics.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
		pm.logger.LogRequest(c.GetString(ctxRequestID), c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, duration)
	}
}

// accessMiddleware applies the IP whitelist/blacklist before anything else
// touches the request.
func (pm *ProxyManager) accessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pm.access.IsAllowed(c.ClientIP()) {
			pm.sendError(c, http.StatusForbidden, "Access denied", "access_denied")
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware runs before authentication so abusive traffic is
// shed without touching the token registry. The token window is keyed by
// the raw bearer string; a known token's own limits override the shared
// window.
func (pm *ProxyManager) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := bearerToken(c)

		var override *TokenRateLimit
		if bearer != "" {
			if v := pm.tokens.ValidateToken(bearer); v.Valid {
				override = v.Token.RateLimit
			}
		}

		decision := pm.limits.Check(NormalizeIP(c.ClientIP()), bearer, override)
		if !decision.Allowed {
			pm.metrics.RateLimitHits.WithLabelValues(decision.LimitType).Inc()
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			pm.sendError(c, http.StatusTooManyRequests,
				"Rate limit exceeded ("+decision.LimitType+"), retry after "+strconv.Itoa(decision.RetryAfter)+"s",
				"rate_limit_error")
			c.Abort()
			return
		}
		c.Next()
	}
}

// authMiddleware validates the client credential. With tokens issued, the
// bearer must be a valid gateway token; otherwise the legacy shared
// API_TOKEN applies; with neither configured the endpoint is open.
func (pm *ProxyManager) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := bearerToken(c)

		if pm.tokens.Len() > 0 {
			v := pm.tokens.ValidateToken(bearer)
			if !v.Valid {
				msg := v.Error
				if bearer == "" {
					msg = "Missing API key"
				}
				pm.sendError(c, http.StatusUnauthorized, msg, "auth_error")
				c.Abort()
				return
			}
			if !pm.tokens.CheckIPAccess(v.Token, NormalizeIP(c.ClientIP())) {
				pm.sendError(c, http.StatusForbidden, "Access denied for this IP", "access_denied")
				c.Abort()
				return
			}
			c.Set(ctxAuthToken, v.Token)
			c.Next()
			return
		}

		if pm.config.APIToken != "" && bearer != pm.config.APIToken {
			pm.sendError(c, http.StatusUnauthorized, "Invalid API key", "auth_error")
			c.Abort()
			return
		}
		c.Next()
	}
}

// bearerToken extracts the credential from the Authorization header. The
// "Bearer " prefix is optional and case-insensitive.
func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// authTokenFrom returns the validated token for the request, if any.
func authTokenFrom(c *gin.Context) *AuthToken {
	if v, ok := c.Get(ctxAuthToken); ok {
		if t, ok := v.(*AuthToken); ok {
			return t
		}
	}
	return nil
}
