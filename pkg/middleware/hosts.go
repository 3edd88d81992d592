package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// AllowedHosts rejects requests whose Host header is not in hosts.
// An empty list accepts every host. Entries are compared case-insensitively
// and without the port.
func AllowedHosts(hosts []string, logger *zap.Logger) gin.HandlerFunc {
	allowed := lo.SliceToMap(hosts, func(h string) (string, struct{}) {
		return strings.ToLower(h), struct{}{}
	})
	logger = logger.Named("hosts")

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		host := HostWithoutPort(c.Request.Host)
		if _, ok := allowed[host]; !ok {
			logger.Warn("Rejected request for unknown host", zap.String("host", c.Request.Host))
			c.JSON(http.StatusForbidden, gin.H{"error": "host not allowed"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// HostWithoutPort lowercases host and strips an optional port
func HostWithoutPort(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(host, "[]")
}
