package middleware

import (
	"net/http"
	"net/url"
	"strings"

	apperrors "meetrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// OriginMiddleware answers CORS for the configured origins. "*" allows any
// origin and the server's own host is always allowed. Requests without an
// Origin header pass untouched.
func OriginMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
			continue
		}
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if _, ok := set[strings.ToLower(origin)]; !ok && !allowAll && !sameHost(origin, c.Request.Host) {
			abortWith(c, apperrors.NewForbiddenError("origin not allowed").WithContext("origin", origin))
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, host)
}
