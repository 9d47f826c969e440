package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Relay is a self-hosted signaling server. Clients join a room keyed
// by budget id and every sanitized signal fans out to the other
// members of the same room. The relay never stores messages and never
// sees budget data.
type Relay struct {
	addr     string
	listener net.Listener
	server   *http.Server

	rooms   map[string]map[*websocket.Conn]bool
	roomsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// RelayConfig holds relay settings.
type RelayConfig struct {
	// Port to listen on (default: 8765)
	Port int

	// Logger for relay activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Port:   8765,
		Logger: log.Default(),
	}
}

// NewRelay creates a relay server.
func NewRelay(config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		addr:   fmt.Sprintf(":%d", config.Port),
		rooms:  make(map[string]map[*websocket.Conn]bool),
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
}

// Start begins listening and serving WebSocket connections.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.addr, err)
	}
	r.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWebSocket)
	mux.HandleFunc("/health", r.handleHealth)

	r.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Printf("Signaling relay listening on %s", r.addr)
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Printf("Relay error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the relay.
func (r *Relay) Stop() error {
	r.logger.Println("Stopping signaling relay")
	r.cancel()

	r.roomsMu.Lock()
	for _, room := range r.rooms {
		for conn := range room {
			_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		}
	}
	r.rooms = make(map[string]map[*websocket.Conn]bool)
	r.roomsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay shutdown error: %w", err)
	}
	r.wg.Wait()
	return nil
}

// Addr returns the relay's listening address.
func (r *Relay) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

// RoomSize returns the number of connections in a budget room.
func (r *Relay) RoomSize(budgetID string) int {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return len(r.rooms[budgetID])
}

// handleWebSocket upgrades the connection and joins the budget room
// named in the query string.
func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	budgetID := req.URL.Query().Get("budgetId")
	if budgetID == "" {
		http.Error(w, "missing budgetId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	r.roomsMu.Lock()
	if r.rooms[budgetID] == nil {
		r.rooms[budgetID] = make(map[*websocket.Conn]bool)
	}
	r.rooms[budgetID][conn] = true
	size := len(r.rooms[budgetID])
	r.roomsMu.Unlock()

	r.logger.Printf("Device joined room %s (members: %d)", budgetID, size)
	go r.readLoop(budgetID, conn)
}

// readLoop sanitizes inbound signals and relays them to the rest of
// the room. Heartbeat pings are answered directly and never relayed.
func (r *Relay) readLoop(budgetID string, conn *websocket.Conn) {
	defer r.removeConn(budgetID, conn)

	for {
		_, data, err := conn.Read(r.ctx)
		if err != nil {
			return
		}

		msg, err := Sanitize(data)
		if err != nil {
			r.logger.Printf("dropping malformed signal in room %s: %v", budgetID, err)
			continue
		}

		if msg.Type == TypePing {
			r.send(conn, Message{Type: TypePong, BudgetID: budgetID})
			continue
		}
		if msg.Type == TypePong {
			continue
		}

		// Stamp the room id so a client cannot relay into another room.
		msg.BudgetID = budgetID
		r.broadcast(budgetID, conn, msg)
	}
}

// broadcast relays msg to every room member except the sender.
func (r *Relay) broadcast(budgetID string, sender *websocket.Conn, msg Message) {
	data, err := Encode(msg)
	if err != nil {
		r.logger.Printf("encode failed: %v", err)
		return
	}

	r.roomsMu.RLock()
	peers := make([]*websocket.Conn, 0, len(r.rooms[budgetID]))
	for conn := range r.rooms[budgetID] {
		if conn != sender {
			peers = append(peers, conn)
		}
	}
	r.roomsMu.RUnlock()

	for _, conn := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			r.logger.Printf("relay write failed: %v", err)
			r.removeConn(budgetID, conn)
		}
	}
}

func (r *Relay) send(conn *websocket.Conn, msg Message) {
	data, err := Encode(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.logger.Printf("relay write failed: %v", err)
	}
}

// removeConn drops a connection from its room, deleting the room when
// it empties.
func (r *Relay) removeConn(budgetID string, conn *websocket.Conn) {
	r.roomsMu.Lock()
	room := r.rooms[budgetID]
	if _, exists := room[conn]; exists {
		delete(room, conn)
		if len(room) == 0 {
			delete(r.rooms, budgetID)
		}
		size := len(room)
		r.roomsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		r.logger.Printf("Device left room %s (members: %d)", budgetID, size)
		return
	}
	r.roomsMu.Unlock()
}

// handleHealth reports relay liveness and room occupancy.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	r.roomsMu.RLock()
	rooms := len(r.rooms)
	conns := 0
	for _, room := range r.rooms {
		conns += len(room)
	}
	r.roomsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"rooms":       rooms,
		"connections": conns,
	})
}
