// Package handlers 提供控制面HTTP接口
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/services"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Handler 控制面处理器
type Handler struct {
	registry  *services.SessionRegistry
	scenarios *services.ScenarioManager
	outbound  *services.OutboundScheduler
	health    *services.HealthChecker
	campaigns models.CampaignStore
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// New 创建控制面处理器
func New(registry *services.SessionRegistry, scenarios *services.ScenarioManager,
	outbound *services.OutboundScheduler, health *services.HealthChecker,
	campaigns models.CampaignStore, log zerolog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		scenarios: scenarios,
		outbound:  outbound,
		health:    health,
		campaigns: campaigns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "http").Logger(),
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	components, healthy := h.health.Check(c.Request.Context())
	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":          overall,
		"active_sessions": h.registry.Count(),
		"components":      components,
	})
}

// ListCalls 列出活动会话
func (h *Handler) ListCalls(c *gin.Context) {
	snaps := h.registry.Snapshots()
	c.JSON(http.StatusOK, gin.H{"count": len(snaps), "sessions": snaps})
}

// GetCall 查询单个会话
func (h *Handler) GetCall(c *gin.Context) {
	s, err := h.registry.Get(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// HangupCall 请求挂断会话
func (h *Handler) HangupCall(c *gin.Context) {
	s, err := h.registry.Get(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
		return
	}
	s.RequestHangup()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListScenarios 列出已加载的场景
func (h *Handler) ListScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scenarios": h.scenarios.List()})
}

// ReloadScenarios 重新加载场景配置
func (h *Handler) ReloadScenarios(c *gin.Context) {
	if err := h.scenarios.Load(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartCampaign 启动外呼活动
func (h *Handler) StartCampaign(c *gin.Context) {
	campaignID := c.Param("campaign_id")
	if err := h.outbound.Start(c.Request.Context(), campaignID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// StopCampaign 暂停外呼活动
func (h *Handler) StopCampaign(c *gin.Context) {
	campaignID := c.Param("campaign_id")
	if err := h.outbound.Stop(c.Request.Context(), campaignID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// CampaignStatus 查询外呼活动进度
func (h *Handler) CampaignStatus(c *gin.Context) {
	campaign, err := h.campaigns.GetCampaign(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaign": campaign,
		"running":  h.outbound.Running(campaign.CampaignID),
	})
}

// addContactRequest 新增联系人请求体
type addContactRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// AddContact 向活动添加联系人
func (h *Handler) AddContact(c *gin.Context) {
	campaignID := c.Param("campaign_id")
	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.campaigns.GetCampaign(c.Request.Context(), campaignID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	contact := &models.Contact{CampaignID: campaignID, PhoneNumber: req.PhoneNumber}
	if err := h.campaigns.AddContact(c.Request.Context(), contact); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "contact_id": contact.ID})
}

// MediaWebSocket 媒体入口：交换机侧推送的PCM帧经WebSocket写入对应会话
func (h *Handler) MediaWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, err := h.registry.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("升级WebSocket连接失败")
		return
	}
	defer ws.Close()

	h.log.Info().Str("session_id", sessionID).Msg("媒体连接建立")
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Str("session_id", sessionID).Msg("媒体连接关闭")
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		session.PushAudio(data)

		select {
		case <-session.Done():
			return
		default:
		}
	}
}
