package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
)

// MockModeKey is the gin context key holding the resolved mock mode
const MockModeKey = "dc_mock"

// MockMode resolves the mock mode of each request from the dc-mock query
// parameter, the X-DC-Mock header and the persisted flag. The result is
// stored in the request context so outbound verifier calls see it.
func MockMode(flag *mock.Flag, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("mock")
	return func(c *gin.Context) {
		enabled, err := flag.Resolve(c.Request.URL.Query(), c.Request.Header)
		if err != nil {
			logger.Error("Failed to persist mock flag", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist mock flag"})
			c.Abort()
			return
		}

		c.Set(MockModeKey, enabled)
		c.Request = c.Request.WithContext(mock.WithEnabled(c.Request.Context(), enabled))
		c.Next()
	}
}

// MockEnabled returns the mock mode resolved by MockMode
func MockEnabled(c *gin.Context) bool {
	return c.GetBool(MockModeKey)
}
