package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"debate_engine/internal/service"
)

// 定義 WebSocket 升級器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 前端與 API 不同網域，由 JWT 驗證身分
	},
}

// WebSocketHandler 處理 WebSocket 頻道訂閱
type WebSocketHandler struct {
	hub   *service.Hub
	rooms *service.RoomService
}

// NewWebSocketHandler 創建一個新的 WebSocketHandler 實例
func NewWebSocketHandler(hub *service.Hub, rooms *service.RoomService) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, rooms: rooms}
}

// HandleWebSocket 訂閱 ?channel= 指定的頻道
// presence 頻道的連接與斷線會轉為 member_added / member_removed
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	channel := c.Query("channel")
	if !service.ValidChannel(channel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的頻道"})
		return
	}

	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if err := h.rooms.AuthorizeChannel(c.Request.Context(), userID, channel); err != nil {
		respondError(c, err, "無法訂閱頻道")
		return
	}

	// 升級之後就不能再回 JSON 錯誤
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if err := h.hub.HandleConnection(conn, userID, channel); err != nil {
		conn.Close()
	}
}
