package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-relay/models"
)

const (
	monitorWriteWait  = 10 * time.Second
	monitorPongWait   = 60 * time.Second
	monitorPingPeriod = (monitorPongWait * 9) / 10
	monitorSendBuffer = 64
)

// Client represents a connected WebSocket client watching one call
type Client struct {
	ID     string
	Conn   *websocket.Conn
	CallID string
	Send   chan []byte
	Hub    *WebSocketHub
}

// NewClient creates a monitor client for callID. Register it with the hub
// before starting its pumps.
func NewClient(hub *WebSocketHub, conn *websocket.Conn, callID string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Conn:   conn,
		CallID: callID,
		Send:   make(chan []byte, monitorSendBuffer),
		Hub:    hub,
	}
}

// WebSocketHub maintains the set of active monitors and broadcasts call
// events to the clients watching that call. It implements EventSink.
type WebSocketHub struct {
	// Clients organized by call ID
	callClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Mutex for safe concurrent access
	mutex sync.RWMutex
}

// NewWebSocketHub creates a new WebSocketHub instance
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		callClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then disconnects every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for callID, clients := range h.callClients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.callClients, callID)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			clients, ok := h.callClients[client.CallID]
			if !ok {
				clients = make(map[*Client]struct{})
				h.callClients[client.CallID] = clients
			}
			clients[client] = struct{}{}
			h.mutex.Unlock()
			log.Printf("Monitor %s connected to call %s", client.ID, client.CallID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if clients, ok := h.callClients[client.CallID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
				}
				// If no more clients for this call ID, remove the entry
				if len(clients) == 0 {
					delete(h.callClients, client.CallID)
				}
			}
			h.mutex.Unlock()
			log.Printf("Monitor %s disconnected from call %s", client.ID, client.CallID)
		}
	}
}

// Register adds a client. It is a no-op once the hub has stopped.
func (h *WebSocketHub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its send channel.
func (h *WebSocketHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns how many monitors are watching callID.
func (h *WebSocketHub) ClientCount(callID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.callClients[callID])
}

// Broadcast sends a message to all clients subscribed to a specific call.
// It never blocks: a client whose buffer is full misses the message.
func (h *WebSocketHub) Broadcast(callID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling broadcast message: %v", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.callClients[callID] {
		select {
		case client.Send <- data:
		default:
			log.Printf("Dropping message for monitor %s, buffer full", client.ID)
		}
	}
}

func (h *WebSocketHub) CallStarted(callID, streamID string) {
	h.Broadcast(callID, models.TranscriptUpdate{
		Type:        models.MonitorTypeCallStarted,
		CallID:      callID,
		StreamID:    streamID,
		LastUpdated: time.Now(),
		IsActive:    true,
	})
}

func (h *WebSocketHub) TranscriptAppended(callID, streamID, fragment, transcript string) {
	h.Broadcast(callID, models.TranscriptUpdate{
		Type:        models.MonitorTypeTranscript,
		CallID:      callID,
		StreamID:    streamID,
		Fragment:    fragment,
		Transcript:  transcript,
		LastUpdated: time.Now(),
		IsActive:    true,
	})
}

func (h *WebSocketHub) Interrupted(callID, streamID string, cut Interruption) {
	h.Broadcast(callID, models.InterruptionNotice{
		Type:       models.MonitorTypeInterrupt,
		CallID:     callID,
		StreamID:   streamID,
		ItemID:     cut.ItemID,
		AudioEndMs: cut.AudioEndMs,
		At:         time.Now(),
	})
}

func (h *WebSocketHub) CallEnded(callID, streamID, transcript string) {
	h.Broadcast(callID, models.TranscriptUpdate{
		Type:        models.MonitorTypeCallEnded,
		CallID:      callID,
		StreamID:    streamID,
		Transcript:  transcript,
		LastUpdated: time.Now(),
		IsActive:    false,
	})
}

// ReadPump discards anything the monitor sends and unregisters it once the
// connection goes away.
func (c *Client) ReadPump() {
	defer c.Hub.Unregister(c)

	c.Conn.SetReadLimit(4096)
	_ = c.Conn.SetReadDeadline(time.Now().Add(monitorPongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(monitorPongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Monitor %s read error: %v", c.ID, err)
			}
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(monitorPingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if !ok {
				// The hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Error writing to WebSocket: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
