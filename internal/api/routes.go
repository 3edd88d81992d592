package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// Register mounts the demo backend routes. sessionLimit guards the routes
// that create verifier sessions and may be nil.
func (h *Handlers) Register(router gin.IRouter, sessionLimit gin.HandlerFunc) {
	router.GET("/status", h.Status)
	router.GET("/health", h.Health)
	if h.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.deps.Metrics.Handler()))
	}
	if h.deps.Bridge != nil {
		router.GET("/ws/dc", gin.WrapF(h.deps.Bridge.HandleConnection))
	}

	limited := []gin.HandlerFunc{}
	if sessionLimit != nil {
		limited = append(limited, sessionLimit)
	}
	with := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), handler)
	}

	dc := router.Group("/api/dc")
	{
		dc.GET("/requests", h.ListRequests)
		dc.GET("/request-config", h.GetRequestConfig)
		dc.GET("/request-config/:id", h.GetRequestConfig)

		standard := h.Request(domain.ProtocolStandard)
		dc.GET("/request", with(standard)...)
		dc.GET("/request/:id", with(standard)...)
		dc.POST("/request", with(standard)...)
		dc.POST("/request/:id", with(standard)...)
		dc.POST("/response", h.Response(domain.ProtocolStandard))
		dc.POST("/response/:id", h.Response(domain.ProtocolStandard))

		annexC := h.Request(domain.ProtocolAnnexC)
		dc.GET("/annex-c/request", with(annexC)...)
		dc.GET("/annex-c/request/:id", with(annexC)...)
		dc.POST("/annex-c/request", with(annexC)...)
		dc.POST("/annex-c/request/:id", with(annexC)...)
		dc.POST("/annex-c/response", h.Response(domain.ProtocolAnnexC))
		dc.POST("/annex-c/response/:id", h.Response(domain.ProtocolAnnexC))

		dc.GET("/mock", h.GetMock)
		dc.POST("/mock", h.SetMock)
		dc.GET("/examples", h.ListExamples)

		dc.GET("/flows", h.ListFlows)
		dc.POST("/flows", with(h.StartFlow)...)
		dc.GET("/flows/:id", h.GetFlow)
	}
}
