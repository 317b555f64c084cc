package service

import (
	"context"
	"errors"
	"log"
	"time"

	"debate_engine/internal/models"
	"debate_engine/internal/repository"
)

// TerminationOutcome 提前結束操作的結果；前置條件不符不是錯誤
type TerminationOutcome string

const (
	TerminationRequested        TerminationOutcome = "requested"
	TerminationAgreed           TerminationOutcome = "agreed"
	TerminationDeclined         TerminationOutcome = "declined"
	TerminationNotFreeFormat    TerminationOutcome = "not_free_format"
	TerminationNotDebating      TerminationOutcome = "not_debating"
	TerminationNotParticipant   TerminationOutcome = "not_participant"
	TerminationAlreadyRequested TerminationOutcome = "already_requested"
	TerminationNoProposal       TerminationOutcome = "no_proposal"
	TerminationSelfResponse     TerminationOutcome = "self_response"
)

// OK 操作是否生效
func (o TerminationOutcome) OK() bool {
	switch o {
	case TerminationRequested, TerminationAgreed, TerminationDeclined:
		return true
	}
	return false
}

// TerminationStatus 給前端輪詢的提案狀態
type TerminationStatus struct {
	Status      string     `json:"status"`
	RequestedBy uint       `json:"requested_by,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// EarlyTerminationNegotiator 自由賽制雙方同意提前結束的協商
type EarlyTerminationNegotiator struct {
	debates     repository.DebateRepository
	rooms       repository.RoomRepository
	engine      *DebateTurnEngine
	store       ProposalStore
	broadcaster Broadcaster
	ttl         time.Duration
	now         func() time.Time
}

func NewEarlyTerminationNegotiator(debates repository.DebateRepository, rooms repository.RoomRepository, engine *DebateTurnEngine, store ProposalStore, broadcaster Broadcaster, ttl time.Duration) *EarlyTerminationNegotiator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &EarlyTerminationNegotiator{
		debates:     debates,
		rooms:       rooms,
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequestEarlyTermination 參與者提出提前結束
func (n *EarlyTerminationNegotiator) RequestEarlyTermination(ctx context.Context, debateID, userID uint) (TerminationOutcome, error) {
	debate, room, err := n.load(ctx, debateID)
	if err != nil {
		return "", err
	}
	if room.FormatType != models.FormatTypeFree {
		return TerminationNotFreeFormat, nil
	}
	if room.Status != models.RoomStatusDebating || debate.HasEnded() {
		return TerminationNotDebating, nil
	}
	if !debate.IsParticipant(userID) {
		return TerminationNotParticipant, nil
	}

	now := n.now()
	proposal := Proposal{
		DebateID:    debate.ID,
		RequestedBy: userID,
		RequestedAt: now,
		ExpiresAt:   now.Add(n.ttl),
	}
	ok, err := n.store.Put(ctx, proposal)
	if err != nil {
		return "", err
	}
	if !ok {
		return TerminationAlreadyRequested, nil
	}

	log.Printf("early_termination: requested debate=%d user=%d", debate.ID, userID)
	safeBroadcast(n.broadcaster, DebateChannel(debate.ID), newEvent(EventEarlyTerminationRequested, map[string]interface{}{
		"debate_id":    debate.ID,
		"requested_by": userID,
		"expires_at":   proposal.ExpiresAt,
	}))
	return TerminationRequested, nil
}

// RespondToEarlyTermination 對手同意或拒絕；提案在判斷前即被原子地取走，兩個同時的回應只有一個成功
func (n *EarlyTerminationNegotiator) RespondToEarlyTermination(ctx context.Context, debateID, userID uint, agree bool) (TerminationOutcome, error) {
	debate, _, err := n.load(ctx, debateID)
	if err != nil {
		return "", err
	}
	if !debate.IsParticipant(userID) {
		return TerminationNotParticipant, nil
	}

	proposal, err := n.store.Claim(ctx, debate.ID, userID)
	switch {
	case errors.Is(err, ErrNoProposal):
		return TerminationNoProposal, nil
	case errors.Is(err, ErrSelfResponse):
		return TerminationSelfResponse, nil
	case err != nil:
		return "", err
	}

	data := map[string]interface{}{
		"debate_id":    debate.ID,
		"requested_by": proposal.RequestedBy,
		"responded_by": userID,
	}
	if !agree {
		log.Printf("early_termination: declined debate=%d user=%d", debate.ID, userID)
		safeBroadcast(n.broadcaster, DebateChannel(debate.ID), newEvent(EventEarlyTerminationDeclined, data))
		return TerminationDeclined, nil
	}

	_, finished, err := n.engine.FinishEarly(ctx, debate.ID)
	if err != nil {
		return "", err
	}
	if !finished {
		return TerminationNotDebating, nil
	}
	log.Printf("early_termination: agreed debate=%d user=%d", debate.ID, userID)
	safeBroadcast(n.broadcaster, DebateChannel(debate.ID), newEvent(EventEarlyTerminationAgreed, data))
	return TerminationAgreed, nil
}

// GetEarlyTerminationStatus 唯讀查詢
func (n *EarlyTerminationNegotiator) GetEarlyTerminationStatus(ctx context.Context, debateID uint) (*TerminationStatus, error) {
	if _, err := n.debates.FindByID(ctx, debateID); err != nil {
		return nil, err
	}
	proposal, err := n.store.Get(ctx, debateID)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return &TerminationStatus{Status: "none"}, nil
	}
	return &TerminationStatus{
		Status:      string(TerminationRequested),
		RequestedBy: proposal.RequestedBy,
		RequestedAt: &proposal.RequestedAt,
		ExpiresAt:   &proposal.ExpiresAt,
	}, nil
}

// SweepExpired 通知已到期的提案，回傳通知數量
func (n *EarlyTerminationNegotiator) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := n.store.Expired(ctx, n.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, p := range expired {
		log.Printf("early_termination: expired debate=%d", p.DebateID)
		safeBroadcast(n.broadcaster, DebateChannel(p.DebateID), newEvent(EventEarlyTerminationExpired, map[string]interface{}{
			"debate_id": p.DebateID,
		}))
	}
	return len(expired), nil
}

func (n *EarlyTerminationNegotiator) load(ctx context.Context, debateID uint) (*models.Debate, *models.Room, error) {
	debate, err := n.debates.FindByID(ctx, debateID)
	if err != nil {
		return nil, nil, err
	}
	room, err := n.rooms.FindByID(ctx, debate.RoomID)
	if err != nil {
		return nil, nil, err
	}
	return debate, room, nil
}
