package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"debate_engine/internal/models"
	"debate_engine/internal/service"
)

// RoomHandler 處理與辯論房間相關的請求
type RoomHandler struct {
	roomService *service.RoomService
}

// NewRoomHandler 創建一個新的 RoomHandler 實例
func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	return &RoomHandler{roomService: roomService}
}

// CreateRoom 處理創建新房間的請求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var input service.CreateRoomInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), currentUserID(c), input)
	if err != nil {
		respondError(c, err, "創建房間失敗")
		return
	}

	c.JSON(http.StatusCreated, room)
}

// GetRoom 處理獲取房間訊息的請求
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不存在的房間ID"})
		return
	}

	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "房間不存在"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// JoinRoom 處理加入房間的請求，side 為 affirmative 或 negative
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	roomID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不存在的房間ID"})
		return
	}

	room, err := h.roomService.JoinRoom(c.Request.Context(), roomID, currentUserID(c), models.Side(c.Query("side")))
	if err != nil {
		respondError(c, err, "加入房間失敗")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "成功加入房間", "room": room})
}

// LeaveRoom 處理離開房間的請求
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	roomID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不存在的房間ID"})
		return
	}

	room, err := h.roomService.LeaveRoom(c.Request.Context(), roomID, currentUserID(c))
	if err != nil {
		respondError(c, err, "離開房間失敗")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "成功離開房間", "status": room.Status})
}

// StartDebate 處理開始辯論的請求
func (h *RoomHandler) StartDebate(c *gin.Context) {
	roomID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不存在的房間ID"})
		return
	}

	debate, err := h.roomService.StartDebate(c.Request.Context(), roomID, currentUserID(c))
	if err != nil {
		respondError(c, err, "開始辯論失敗")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "辯論開始", "debate": debate})
}
