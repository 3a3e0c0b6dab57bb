package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawgraph/asset-engine/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active websocket clients and pushes membership
// change events to all of them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// A blocked client must not stall the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[API] websocket write error: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] websocket upgrade failed: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[API] websocket client connected, total %d", total)

	// Reads exist only to notice disconnects; the stream is push-only.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[API] websocket error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast queues raw JSON for every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}

// ClientCount reports connected subscribers; used by the health endpoint.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// membershipEvent is the wire form of one enter/exit diff. IDs serialize as
// decimal strings.
type membershipEvent struct {
	Type              string   `json:"type"`
	InstanceID        string   `json:"instanceId"`
	MaterializationID string   `json:"materializationId"`
	Slug              string   `json:"slug"`
	OutputRevision    string   `json:"outputRevision"`
	Entered           []string `json:"entered"`
	Exited            []string `json:"exited"`
}

// BroadcastMembershipChange is wired as the engine's OnMembershipChange
// callback.
func BroadcastMembershipChange(hub *Hub) func(engine.MembershipChange) {
	return func(change engine.MembershipChange) {
		payload, err := json.Marshal(membershipEvent{
			Type:              "membership_change",
			InstanceID:        strconv.FormatInt(change.InstanceID, 10),
			MaterializationID: strconv.FormatInt(change.MaterializationID, 10),
			Slug:              change.Slug,
			OutputRevision:    strconv.FormatInt(change.OutputRevision, 10),
			Entered:           idStrings(change.Entered),
			Exited:            idStrings(change.Exited),
		})
		if err != nil {
			log.Printf("[API] membership event marshal failed: %v", err)
			return
		}
		hub.Broadcast(payload)
		log.Printf("[API] membership change: %s instance %d rev %d (+%d -%d)",
			change.Slug, change.InstanceID, change.OutputRevision, len(change.Entered), len(change.Exited))
	}
}

func idStrings(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}
