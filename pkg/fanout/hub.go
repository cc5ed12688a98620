package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/riptide-dl/riptide/internal/logger"
)

const (
	// non-terminal progress ticks for one task are coalesced to this rate
	taskUpdateInterval = 500 * time.Millisecond
	sendBuffer         = 64
)

type MessageKind string

const (
	KindTaskUpdate   MessageKind = "task_update"
	KindNotification MessageKind = "notification"
	KindPing         MessageKind = "ping"
)

// Message is the envelope every peer channel carries.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub tracks the live outbound channels of every connected user session and
// throttles per-task update bursts.
type Hub struct {
	mu       sync.Mutex
	peers    map[string]map[*Peer]struct{} // user id -> live peers
	throttle map[string]*rate.Limiter      // task id -> update limiter
	logger   zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		peers:    make(map[string]map[*Peer]struct{}),
		throttle: make(map[string]*rate.Limiter),
		logger:   logger.New("fanout"),
	}
}

// Register attaches a peer channel for a user.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[p.userID]
	if !ok {
		set = make(map[*Peer]struct{})
		h.peers[p.userID] = set
	}
	set[p] = struct{}{}
	h.logger.Debug().Str("user", p.userID).Int("peers", len(set)).Msg("Peer registered")
}

// Unregister detaches a peer and closes its send channel.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(p)
}

func (h *Hub) removeLocked(p *Peer) {
	set, ok := h.peers[p.userID]
	if !ok {
		return
	}
	if _, ok := set[p]; !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, p.userID)
	}
	p.closeOnce.Do(func() { close(p.send) })
}

// NotifyUser sends a one-off notification message to every session of one
// user.
func (h *Hub) NotifyUser(userID string, payload interface{}) {
	h.send(userID, Message{Kind: KindNotification, Payload: payload})
}

// TaskUpdate fans a per-subscription status update out to the owning user's
// sessions. Intermediate progress for a task is throttled; terminal
// transitions always go out.
func (h *Hub) TaskUpdate(userID, taskID string, payload interface{}, terminal bool) {
	if !terminal && !h.allowUpdate(taskID) {
		return
	}
	if terminal {
		h.dropThrottle(taskID)
	}
	h.send(userID, Message{Kind: KindTaskUpdate, Payload: payload})
}

func (h *Hub) allowUpdate(taskID string) bool {
	h.mu.Lock()
	lim, ok := h.throttle[taskID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(taskUpdateInterval), 1)
		h.throttle[taskID] = lim
	}
	h.mu.Unlock()
	return lim.Allow()
}

func (h *Hub) dropThrottle(taskID string) {
	h.mu.Lock()
	delete(h.throttle, taskID)
	h.mu.Unlock()
}

func (h *Hub) send(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal fan-out message")
		return
	}

	h.mu.Lock()
	var dead []*Peer
	for p := range h.peers[userID] {
		select {
		case p.send <- data:
		default:
			// peer's queue is full: it is slow or gone
			dead = append(dead, p)
		}
	}
	// evict after iteration, never during
	for _, p := range dead {
		h.logger.Debug().Str("user", userID).Msg("Evicting unresponsive peer")
		h.removeLocked(p)
	}
	h.mu.Unlock()
}

// ConnectedUsers reports how many users have at least one live session.
func (h *Hub) ConnectedUsers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
