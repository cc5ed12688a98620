package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Peer is one long-lived client session. Sends to a peer are serialized by
// its write pump; a failed write tears the session down.
type Peer struct {
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func NewPeer(userID string, conn *websocket.Conn) *Peer {
	return &Peer{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

func (p *Peer) UserID() string { return p.userID }

// WritePump drains the send channel onto the connection and emits heartbeat
// pings. Returns when the channel closes or a write fails; the caller
// unregisters the peer afterwards.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	ping, _ := json.Marshal(Message{Kind: KindPing})
	for {
		select {
		case data, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes inbound frames until the connection dies. Clients may
// answer pings with {"kind":"pong"}; a missing reply is not itself a
// disconnect cause, so replies are simply discarded.
func (p *Peer) ReadPump() {
	defer func() { _ = p.conn.Close() }()
	p.conn.SetReadLimit(4096)
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}
