package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
	"debate_engine/internal/service"
)

// parseID 解析路徑上的 :id
func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// currentUserID 由 AuthMiddleware 設定
func currentUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	id, _ := v.(uint)
	return id
}

// errorStatus 服務層錯誤對應的 HTTP 狀態碼
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotCreator), errors.Is(err, service.ErrNotInRoom):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRoomNotJoinable), errors.Is(err, service.ErrSideTaken),
		errors.Is(err, service.ErrAlreadyJoined), errors.Is(err, service.ErrRoomNotReady),
		errors.Is(err, service.ErrRoomClosed), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidSide), errors.Is(err, service.ErrInvalidSubject),
		errors.Is(err, service.ErrInvalidFormat), errors.Is(err, service.ErrInvalidChannel):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError 500 不把內部錯誤訊息回給客戶端
func respondError(c *gin.Context, err error, fallback string) {
	status := errorStatus(err)
	switch status {
	case http.StatusInternalServerError:
		c.JSON(status, gin.H{"error": fallback})
	case http.StatusNotFound:
		c.JSON(status, gin.H{"error": "資源不存在"})
	default:
		c.JSON(status, gin.H{"error": err.Error()})
	}
}
