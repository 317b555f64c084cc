package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"debate_engine/internal/service"
)

const signatureHeader = "X-Pusher-Signature"

// maxWebhookBody presence 服務一次最多送數百個事件
const maxWebhookBody = 1 << 20

// WebhookHandler 接收 presence 服務的 member_added / member_removed
type WebhookHandler struct {
	processor *service.PresenceProcessor
	secret    string
}

func NewWebhookHandler(processor *service.PresenceProcessor, secret string) *WebhookHandler {
	return &WebhookHandler{processor: processor, secret: secret}
}

// Presence webhook 沒有同步的呼叫者可回報，無效事件只記錄不回錯
func (h *WebhookHandler) Presence(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無法讀取請求內容"})
		return
	}
	if !h.verify(body, c.GetHeader(signatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "簽章驗證失敗"})
		return
	}

	events, err := service.ParsePresencePayload(body)
	if err != nil {
		log.Printf("webhook: malformed presence payload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的事件格式"})
		return
	}

	outcomes := h.processor.ProcessEvents(c.Request.Context(), events)
	summary := make(map[string]int)
	for _, o := range outcomes {
		summary[o.String()]++
	}
	c.JSON(http.StatusOK, gin.H{"processed": len(outcomes), "outcomes": summary})
}

// verify 沒有設定密鑰時不驗證
func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if h.secret == "" {
		return true
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
