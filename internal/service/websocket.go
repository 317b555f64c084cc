package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"debate_engine/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

var ErrInvalidChannel = errors.New("invalid channel")

var channelPattern = regexp.MustCompile(`^(presence-(room|debate)|private-debate)\.[1-9][0-9]*$`)

// ValidChannel 只接受 presence-room.N、presence-debate.N、private-debate.N
func ValidChannel(channel string) bool {
	return channelPattern.MatchString(channel)
}

// ChannelContext 頻道所屬的房間或辯論
func ChannelContext(channel string) (models.ConnectionContext, bool) {
	if !ValidChannel(channel) {
		return models.ConnectionContext{}, false
	}
	if cc, ok := ParsePresenceChannel(channel); ok {
		return cc, true
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(channel, "private-debate."), 10, 64)
	if err != nil {
		return models.ConnectionContext{}, false
	}
	return models.ConnectionContext{Type: models.ContextDebate, ID: uint(id)}, true
}

// PresenceSink 接收 hub 產生的 member_added / member_removed
type PresenceSink interface {
	ProcessEvent(ctx context.Context, ev PresenceEvent) PresenceOutcome
}

// Client 代表一個訂閱某頻道的 WebSocket 連接
type Client struct {
	ID       string // 連接識別碼，只用於日誌
	Conn     *websocket.Conn
	UserID   uint
	Channel  string
	SendChan chan Event
}

// Hub 管理所有 WebSocket 連接，並把 presence 頻道的加入/離開轉成 presence 事件
type Hub struct {
	clients    map[string]map[*Client]bool // channel -> client -> bool
	members    map[string]map[uint]int     // presence 頻道上每個用戶的連接數
	clientsMux sync.RWMutex
	presence   PresenceSink
}

func NewHub(presence PresenceSink) *Hub {
	return &Hub{
		clients:  make(map[string]map[*Client]bool),
		members:  make(map[string]map[uint]int),
		presence: presence,
	}
}

// SetPresenceSink hub 與 presence 處理器互相依賴，建立後再注入
func (h *Hub) SetPresenceSink(sink PresenceSink) {
	h.presence = sink
}

// HandleConnection 阻塞直到連接關閉
func (h *Hub) HandleConnection(conn *websocket.Conn, userID uint, channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	client := &Client{
		ID:       ksuid.New().String(),
		Conn:     conn,
		UserID:   userID,
		Channel:  channel,
		SendChan: make(chan Event, sendBufferSize),
	}

	h.addClient(client)
	log.Printf("websocket: connected conn=%s user=%d channel=%s", client.ID, userID, channel)
	defer func() {
		h.removeClient(client)
		conn.Close()
	}()

	go h.writePump(client)
	h.readPump(client)
	return nil
}

// readPump 客戶端不會送業務訊息，只處理 pong 與關閉
func (h *Hub) readPump(client *Client) {
	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket: unexpected close conn=%s user=%d channel=%s: %v", client.ID, client.UserID, client.Channel, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.SendChan:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("websocket: event encoding error: %v", err)
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast 推送到頻道上的所有客戶端；佇列已滿的客戶端會被斷開
func (h *Hub) Broadcast(channel string, event Event) error {
	h.clientsMux.RLock()
	var slow []*Client
	for client := range h.clients[channel] {
		select {
		case client.SendChan <- event:
		default:
			slow = append(slow, client)
		}
	}
	h.clientsMux.RUnlock()

	for _, client := range slow {
		log.Printf("websocket: send buffer full, dropping conn=%s user=%d channel=%s", client.ID, client.UserID, client.Channel)
		h.removeClient(client)
		client.Conn.Close()
	}
	return nil
}

// ChannelClients 頻道上的連接數
func (h *Hub) ChannelClients(channel string) int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[channel])
}

func (h *Hub) addClient(client *Client) {
	h.clientsMux.Lock()
	if h.clients[client.Channel] == nil {
		h.clients[client.Channel] = make(map[*Client]bool)
	}
	h.clients[client.Channel][client] = true
	first := h.trackMember(client, 1)
	h.clientsMux.Unlock()

	if first {
		h.emitPresence("member_added", client)
	}
}

// removeClient 可重複呼叫；只有第一次會關閉 SendChan
func (h *Hub) removeClient(client *Client) {
	h.clientsMux.Lock()
	clients, ok := h.clients[client.Channel]
	if !ok || !clients[client] {
		h.clientsMux.Unlock()
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.Channel)
	}
	close(client.SendChan)
	last := h.trackMember(client, -1)
	h.clientsMux.Unlock()

	if last {
		h.emitPresence("member_removed", client)
	}
}

// trackMember 同一用戶多個分頁只在第一個加入與最後一個離開時產生事件
func (h *Hub) trackMember(client *Client, delta int) bool {
	if _, ok := ParsePresenceChannel(client.Channel); !ok {
		return false
	}
	counts := h.members[client.Channel]
	if counts == nil {
		counts = make(map[uint]int)
		h.members[client.Channel] = counts
	}
	before := counts[client.UserID]
	after := before + delta
	if after <= 0 {
		delete(counts, client.UserID)
		if len(counts) == 0 {
			delete(h.members, client.Channel)
		}
	} else {
		counts[client.UserID] = after
	}
	return (delta > 0 && before == 0) || (delta < 0 && after <= 0)
}

func (h *Hub) emitPresence(name string, client *Client) {
	if h.presence == nil {
		return
	}
	ev := PresenceEvent{Name: name, Channel: client.Channel, UserID: UserID(client.UserID)}
	outcome := h.presence.ProcessEvent(context.Background(), ev)
	log.Printf("websocket: %s conn=%s user=%d channel=%s outcome=%s", name, client.ID, client.UserID, client.Channel, outcome)
}
