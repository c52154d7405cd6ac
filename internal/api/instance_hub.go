package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zappainel/internal/connect"
	"zappainel/internal/httpx"
)

// instanceHub fans connection-flow state changes out to connected consoles.
type instanceHub struct {
	clients    map[*instanceClient]bool
	register   chan *instanceClient
	unregister chan *instanceClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

type instanceClient struct {
	hub  *instanceHub
	conn *websocket.Conn
	send chan []byte

	// Empty means all instances the session may see.
	instance string
}

type instanceEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newInstanceHub(logger zerolog.Logger) *instanceHub {
	return &instanceHub{
		clients:    make(map[*instanceClient]bool),
		register:   make(chan *instanceClient),
		unregister: make(chan *instanceClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

func (h *instanceHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug().Str("instance", client.instance).Msg("instance events client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("instance", client.instance).Msg("instance events client disconnected")
		}
	}
}

// broadcast sends one flow snapshot to every client watching that instance.
func (h *instanceHub) broadcast(snap connect.Snapshot) {
	payload, _ := json.Marshal(snap)
	data, _ := json.Marshal(instanceEvent{Type: "instance_state", Payload: payload})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.instance != "" && client.instance != snap.Instance {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	if instance != "" && a.Profile.Role != "admin" {
		owned, err := s.instanceOwnedBy(r.Context(), a.User.ID, instance)
		if err != nil || !owned {
			httpx.WriteError(w, http.StatusForbidden, "Instância não pertence a esta conta")
			return
		}
	}

	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &instanceClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		instance: instance,
	}
	s.hub.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (c *instanceClient) writeLoop() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readLoop only exists to notice the peer going away.
func (c *instanceClient) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
