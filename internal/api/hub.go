package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/conversation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	sendBuffer     = 32
)

// MessageSubscribed is the first frame a subscriber receives
const MessageSubscribed = "subscribed"

// subscriber is one websocket connection watching a scene
type subscriber struct {
	sceneID string
	conn    *websocket.Conn
	send    chan []byte
	closed  atomic.Bool
	dropped atomic.Int64
}

// Hub fans scene notifications out to websocket subscribers.
// It implements conversation.Notifier.
type Hub struct {
	mu       sync.RWMutex
	scenes   map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
	wg       sync.WaitGroup
}

var _ conversation.Notifier = (*Hub)(nil)

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		scenes: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Notify queues n for every subscriber of its scene. Slow subscribers
// lose messages instead of blocking the caller.
func (h *Hub) Notify(n conversation.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("encode notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.scenes[n.SceneID] {
		select {
		case sub.send <- payload:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("subscriber queue full, dropping message",
				zap.String("scene_id", n.SceneID),
				zap.String("type", n.Type))
		}
	}
}

// Subscribers returns how many connections watch a scene
func (h *Hub) Subscribers(sceneID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scenes[sceneID])
}

// Serve upgrades the request and streams sceneID's notifications until the
// client disconnects or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sceneID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("scene_id", sceneID), zap.Error(err))
		return
	}

	sub := &subscriber{
		sceneID: sceneID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	// queued before registering so it is always the first frame
	hello, _ := json.Marshal(map[string]string{"type": MessageSubscribed, "scene_id": sceneID})
	sub.send <- hello
	h.register(sub)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(sub)
	}()
	h.readLoop(sub)
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.scenes[sub.sceneID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.scenes[sub.sceneID] = subs
	}
	subs[sub] = struct{}{}
	h.logger.Debug("subscriber joined", zap.String("scene_id", sub.sceneID), zap.Int("subscribers", len(subs)))
}

// unregister removes sub and closes its queue, once
func (h *Hub) unregister(sub *subscriber) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	if subs, ok := h.scenes[sub.sceneID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.scenes, sub.sceneID)
		}
	}
	close(sub.send)
	h.mu.Unlock()

	if n := sub.dropped.Load(); n > 0 {
		h.logger.Info("subscriber left with dropped messages", zap.String("scene_id", sub.sceneID), zap.Int64("dropped", n))
	}
}

// readLoop only services control frames; subscribers do not send commands
func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(maxInboundSize)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber and waits for their writers to exit
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*subscriber
	for _, subs := range h.scenes {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range all {
		h.unregister(sub)
	}
	h.wg.Wait()
}
