package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// DefaultHeartbeat is how often subscribed leaderboards are checked for
	// changes. Clients refetch at most once per heartbeat.
	DefaultHeartbeat = 2 * time.Second

	// MessageLeaderboardVersion is the type of every message sent to clients
	MessageLeaderboardVersion = "LEADERBOARD_VERSION"
)

// VersionSource reports the change counter of a competition's leaderboard
type VersionSource interface {
	Version(ctx context.Context, competitionID uint) (int64, error)
}

// Client represents a WebSocket client subscribed to one competition
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	competitionID uint
	send          chan []byte
}

// Hub maintains the subscribed clients of every competition and tells them
// when a leaderboard changed
type Hub struct {
	// Registered clients by competition
	clients map[uint]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	versions  VersionSource
	heartbeat time.Duration

	mu sync.RWMutex

	// Last broadcast version per competition, owned by Run
	lastVersion map[uint]int64
}

// VersionUpdate is the message sent to clients
type VersionUpdate struct {
	Type          string `json:"type"`
	CompetitionID uint   `json:"competition_id"`
	Version       int64  `json:"version"`
}

// NewHub creates a new WebSocket hub. heartbeat <= 0 uses DefaultHeartbeat.
func NewHub(versions VersionSource, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[uint]map[*Client]bool),
		versions:    versions,
		heartbeat:   heartbeat,
		lastVersion: make(map[uint]int64),
	}
}

// Run starts the WebSocket hub
func (h *Hub) Run(ctx context.Context) {
	log.Println("🚀 WebSocket Hub started")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.competitionID] == nil {
				h.clients[client.competitionID] = make(map[*Client]bool)
			}
			h.clients[client.competitionID][client] = true
			h.mu.Unlock()

			h.sendInitialVersion(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.clients[client.competitionID]; ok && subs[client] {
				delete(subs, client)
				close(client.send)
				if len(subs) == 0 {
					delete(h.clients, client.competitionID)
					delete(h.lastVersion, client.competitionID)
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.checkAndBroadcastVersions(ctx)

		case <-ctx.Done():
			log.Println("🛑 WebSocket Hub shutting down")
			return
		}
	}
}

// checkAndBroadcastVersions broadcasts to the subscribers of every
// competition whose version moved since the last heartbeat
func (h *Hub) checkAndBroadcastVersions(ctx context.Context) {
	h.mu.RLock()
	ids := make([]uint, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		current, err := h.versions.Version(ctx, id)
		if err != nil {
			log.Printf("❌ Failed to get leaderboard version of competition %d: %v", id, err)
			continue
		}
		if current == h.lastVersion[id] {
			continue
		}
		h.lastVersion[id] = current

		message, err := encodeVersion(id, current)
		if err != nil {
			log.Printf("❌ Failed to marshal version update: %v", err)
			continue
		}

		h.mu.RLock()
		for client := range h.clients[id] {
			select {
			case client.send <- message:
			default:
				log.Printf("⚠️ Client send buffer full, skipping")
			}
		}
		h.mu.RUnlock()
	}
}

// sendInitialVersion sends the current version to a newly connected client
func (h *Hub) sendInitialVersion(ctx context.Context, client *Client) {
	current, err := h.versions.Version(ctx, client.competitionID)
	if err != nil {
		log.Printf("❌ Failed to get initial version: %v", err)
		return
	}
	if _, seen := h.lastVersion[client.competitionID]; !seen {
		h.lastVersion[client.competitionID] = current
	}

	message, err := encodeVersion(client.competitionID, current)
	if err != nil {
		log.Printf("❌ Failed to marshal initial version: %v", err)
		return
	}

	select {
	case client.send <- message:
	default:
		log.Println("⚠️ Client send buffer full, initial version dropped")
	}
}

func encodeVersion(competitionID uint, version int64) ([]byte, error) {
	return json.Marshal(VersionUpdate{
		Type:          MessageLeaderboardVersion,
		CompetitionID: competitionID,
		Version:       version,
	})
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

// readPump drains the connection until the client goes away
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ WebSocket unexpected close: %v", err)
			}
			return
		}
		// clients do not send anything meaningful
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	// The hub closed the channel
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ServeWS subscribes conn to the leaderboard of competitionID and blocks
// until the client disconnects
func ServeWS(hub *Hub, conn *websocket.Conn, competitionID uint) {
	client := &Client{
		hub:           hub,
		conn:          conn,
		competitionID: competitionID,
		send:          make(chan []byte, 16),
	}

	hub.register <- client

	go client.writePump()
	client.readPump()
}
