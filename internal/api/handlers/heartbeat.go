package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"debate_engine/internal/models"
	"debate_engine/internal/service"
)

type HeartbeatHandler struct {
	heartbeats *service.HeartbeatService
}

func NewHeartbeatHandler(heartbeats *service.HeartbeatService) *HeartbeatHandler {
	return &HeartbeatHandler{heartbeats: heartbeats}
}

type heartbeatInput struct {
	ContextType string `json:"context_type" binding:"required"`
	ContextID   uint   `json:"context_id" binding:"required"`
}

// Record 心跳只更新存活時間，不會改變連線狀態
func (h *HeartbeatHandler) Record(c *gin.Context) {
	var input heartbeatInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ct, ok := models.ParseContextType(input.ContextType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的 context_type"})
		return
	}

	status, err := h.heartbeats.RecordHeartbeat(c.Request.Context(), currentUserID(c), models.ConnectionContext{Type: ct, ID: input.ContextID})
	if err != nil {
		respondError(c, err, "記錄心跳失敗")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection_status": status})
}
