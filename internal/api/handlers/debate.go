package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"debate_engine/internal/service"
)

// DebateHandler 回合查詢、跳過 AI 準備時間與提前結束
type DebateHandler struct {
	engine     *service.DebateTurnEngine
	negotiator *service.EarlyTerminationNegotiator
	aiUserID   uint
}

func NewDebateHandler(engine *service.DebateTurnEngine, negotiator *service.EarlyTerminationNegotiator, aiUserID uint) *DebateHandler {
	return &DebateHandler{engine: engine, negotiator: negotiator, aiUserID: aiUserID}
}

// 提前結束各種結果對應的訊息
var terminationMessages = map[service.TerminationOutcome]string{
	service.TerminationRequested:        "已提出提前結束",
	service.TerminationAgreed:           "雙方同意，辯論提前結束",
	service.TerminationDeclined:         "已拒絕提前結束",
	service.TerminationNotFreeFormat:    "只有自由辯論可以提前結束",
	service.TerminationNotDebating:      "辯論不在進行中",
	service.TerminationNotParticipant:   "只有辯論雙方可以操作",
	service.TerminationAlreadyRequested: "已有待回應的提前結束請求",
	service.TerminationNoProposal:       "沒有待回應的提前結束請求",
	service.TerminationSelfResponse:     "不能回應自己提出的請求",
}

// GetDebate 目前回合與剩餘時間
func (h *DebateHandler) GetDebate(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	state, err := h.engine.State(c.Request.Context(), debateID)
	if err != nil {
		respondError(c, err, "無法取得辯論狀態")
		return
	}
	c.JSON(http.StatusOK, state)
}

// Advance 客戶端倒數結束時通知伺服器，只會推進已逾時的回合
func (h *DebateHandler) Advance(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	debate, err := h.engine.GetDebate(c.Request.Context(), debateID)
	if err != nil {
		respondError(c, err, "無法取得辯論")
		return
	}
	if !debate.IsParticipant(currentUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "只有辯論雙方可以操作"})
		return
	}
	res, err := h.engine.AdvanceExpired(c.Request.Context(), debate)
	if err != nil {
		respondError(c, err, "推進回合失敗")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"advanced":     res.Advanced,
		"completed":    res.Debate.HasEnded(),
		"current_turn": res.Debate.CurrentTurn,
	})
}

// SkipPrep 人類參與者跳過 AI 的準備時間
func (h *DebateHandler) SkipPrep(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	skipped, err := h.engine.SkipAIPrepTime(c.Request.Context(), debateID, currentUserID(c))
	if err != nil {
		respondError(c, err, "跳過準備時間失敗")
		return
	}
	if !skipped {
		c.JSON(http.StatusConflict, gin.H{"skipped": false, "error": "目前無法跳過準備時間"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skipped": true})
}

type aiTurnInput struct {
	Turn int `json:"turn" binding:"required"`
}

// CompleteAITurn AI 服務發言完成後呼叫
func (h *DebateHandler) CompleteAITurn(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	if h.aiUserID == 0 || currentUserID(c) != h.aiUserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "只有 AI 用戶可以操作"})
		return
	}
	var input aiTurnInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.engine.CompleteAITurn(c.Request.Context(), debateID, input.Turn)
	if err != nil {
		respondError(c, err, "推進回合失敗")
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": res.Advanced, "current_turn": res.Debate.CurrentTurn})
}

// RequestEarlyTermination 提出提前結束
func (h *DebateHandler) RequestEarlyTermination(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	outcome, err := h.negotiator.RequestEarlyTermination(c.Request.Context(), debateID, currentUserID(c))
	if err != nil {
		respondError(c, err, "提出提前結束失敗")
		return
	}
	h.respondTermination(c, outcome)
}

type terminationResponseInput struct {
	Agree *bool `json:"agree" binding:"required"`
}

// RespondEarlyTermination 同意或拒絕對手的提前結束請求
func (h *DebateHandler) RespondEarlyTermination(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	var input terminationResponseInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := h.negotiator.RespondToEarlyTermination(c.Request.Context(), debateID, currentUserID(c), *input.Agree)
	if err != nil {
		respondError(c, err, "回應提前結束失敗")
		return
	}
	h.respondTermination(c, outcome)
}

// EarlyTerminationStatus 前端輪詢用
func (h *DebateHandler) EarlyTerminationStatus(c *gin.Context) {
	debateID, ok := parseID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的辯論 ID"})
		return
	}
	status, err := h.negotiator.GetEarlyTerminationStatus(c.Request.Context(), debateID)
	if err != nil {
		respondError(c, err, "無法取得提前結束狀態")
		return
	}
	c.JSON(http.StatusOK, status)
}

// respondTermination 前置條件不符回 409，前端依 result 顯示訊息
func (h *DebateHandler) respondTermination(c *gin.Context, outcome service.TerminationOutcome) {
	status := http.StatusOK
	if !outcome.OK() {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"success": outcome.OK(),
		"result":  outcome,
		"message": terminationMessages[outcome],
	})
}
