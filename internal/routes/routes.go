// Package routes 注册控制面路由
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/istar1978/freeswitch-ai-robot/internal/handlers"
)

// Register 注册所有路由
func Register(r *gin.Engine, h *handlers.Handler) {
	r.GET("/", func(c *gin.Context) {
		c.String(200, "FreeSWITCH AI Robot Running")
	})
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.GET("/calls", h.ListCalls)
		api.GET("/calls/:session_id", h.GetCall)
		api.POST("/calls/:session_id/hangup", h.HangupCall)

		api.GET("/scenarios", h.ListScenarios)
		api.POST("/scenarios/reload", h.ReloadScenarios)

		api.POST("/outbound/:campaign_id/start", h.StartCampaign)
		api.POST("/outbound/:campaign_id/stop", h.StopCampaign)
		api.GET("/outbound/:campaign_id", h.CampaignStatus)
		api.POST("/outbound/:campaign_id/contacts", h.AddContact)
	}

	r.GET("/ws/media/:session_id", h.MediaWebSocket)
}
