package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNoProposal   = errors.New("no outstanding early termination proposal")
	ErrSelfResponse = errors.New("requester cannot respond to own proposal")
)

// Proposal 提前結束的提案，只存在快取中
type Proposal struct {
	DebateID    uint      `json:"debate_id"`
	RequestedBy uint      `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ProposalStore 每場辯論最多一個提案，到期視同不存在
type ProposalStore interface {
	// Put 沒有未到期的提案時才寫入
	Put(ctx context.Context, p Proposal) (bool, error)
	// Get 沒有提案時回傳 nil
	Get(ctx context.Context, debateID uint) (*Proposal, error)
	// Claim 原子地確認提案存在且回應者不是提案人，然後刪除
	Claim(ctx context.Context, debateID, responderID uint) (*Proposal, error)
	// Expired 取出並移除已到期的提案，每個提案只會被回傳一次
	Expired(ctx context.Context, now time.Time, limit int) ([]Proposal, error)
}

// MemoryProposalStore 單一行程使用的提案表
type MemoryProposalStore struct {
	mu        sync.Mutex
	proposals map[uint]Proposal
	now       func() time.Time
}

func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{
		proposals: make(map[uint]Proposal),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryProposalStore) Put(ctx context.Context, p Proposal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.proposals[p.DebateID]; ok && existing.ExpiresAt.After(s.now()) {
		return false, nil
	}
	s.proposals[p.DebateID] = p
	return true, nil
}

func (s *MemoryProposalStore) Get(ctx context.Context, debateID uint) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[debateID]
	if !ok || !p.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryProposalStore) Claim(ctx context.Context, debateID, responderID uint) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[debateID]
	if !ok || !p.ExpiresAt.After(s.now()) {
		return nil, ErrNoProposal
	}
	if p.RequestedBy == responderID {
		return nil, ErrSelfResponse
	}
	delete(s.proposals, debateID)
	return &p, nil
}

func (s *MemoryProposalStore) Expired(ctx context.Context, now time.Time, limit int) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Proposal
	for id, p := range s.proposals {
		if p.ExpiresAt.After(now) {
			continue
		}
		expired = append(expired, p)
		delete(s.proposals, id)
		if limit > 0 && len(expired) >= limit {
			break
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

const (
	proposalKeyPrefix = "early_termination:"
	proposalExpiryKey = "early_termination:expiry"
)

// 回傳 {0} 無提案、{1} 提案人自己回應、{2, payload} 成功取走
var claimScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return {0}
end
local p = cjson.decode(v)
if tonumber(p['requested_by']) == tonumber(ARGV[1]) then
	return {1}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return {2, v}
`)

// RedisProposalStore 多個行程共用的提案表；提案鍵帶 TTL，另以 sorted set 記錄到期時間供掃描
type RedisProposalStore struct {
	rdb *redis.Client
}

func NewRedisProposalStore(rdb *redis.Client) *RedisProposalStore {
	return &RedisProposalStore{rdb: rdb}
}

func proposalKey(debateID uint) string {
	return fmt.Sprintf("%s%d", proposalKeyPrefix, debateID)
}

func (s *RedisProposalStore) Put(ctx context.Context, p Proposal) (bool, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	ttl := p.ExpiresAt.Sub(p.RequestedAt)
	if ttl <= 0 {
		return false, fmt.Errorf("proposal for debate %d already expired", p.DebateID)
	}
	ok, err := s.rdb.SetNX(ctx, proposalKey(p.DebateID), payload, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	err = s.rdb.ZAdd(ctx, proposalExpiryKey, redis.Z{
		Score:  float64(p.ExpiresAt.UnixMilli()),
		Member: strconv.FormatUint(uint64(p.DebateID), 10),
	}).Err()
	return true, err
}

func (s *RedisProposalStore) Get(ctx context.Context, debateID uint) (*Proposal, error) {
	payload, err := s.rdb.Get(ctx, proposalKey(debateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisProposalStore) Claim(ctx context.Context, debateID, responderID uint) (*Proposal, error) {
	keys := []string{proposalKey(debateID), proposalExpiryKey}
	res, err := claimScript.Run(ctx, s.rdb, keys, responderID, debateID).Slice()
	if err != nil {
		return nil, err
	}
	code, _ := res[0].(int64)
	switch code {
	case 0:
		return nil, ErrNoProposal
	case 1:
		return nil, ErrSelfResponse
	}
	payload, _ := res[1].(string)
	var p Proposal
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Expired 提案鍵由 Redis 自行過期，這裡只負責從 sorted set 取出到期的辯論
func (s *RedisProposalStore) Expired(ctx context.Context, now time.Time, limit int) ([]Proposal, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.rdb.ZRangeByScoreWithScores(ctx, proposalExpiryKey, opt).Result()
	if err != nil {
		return nil, err
	}
	var expired []Proposal
	for _, m := range members {
		member, _ := m.Member.(string)
		// ZREM 成功的行程才負責通知
		removed, err := s.rdb.ZRem(ctx, proposalExpiryKey, member).Result()
		if err != nil {
			return expired, err
		}
		if removed == 0 {
			continue
		}
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			continue
		}
		expired = append(expired, Proposal{
			DebateID:  uint(id),
			ExpiresAt: time.UnixMilli(int64(m.Score)).UTC(),
		})
	}
	return expired, nil
}
