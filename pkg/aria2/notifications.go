package aria2

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/logger"
)

// EventKind is the normalized form of the daemon's six notification methods.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventPause      EventKind = "pause"
	EventStop       EventKind = "stop"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
	EventBTComplete EventKind = "bt_complete"
)

var methodEvents = map[string]EventKind{
	"aria2.onDownloadStart":      EventStart,
	"aria2.onDownloadPause":      EventPause,
	"aria2.onDownloadStop":       EventStop,
	"aria2.onDownloadComplete":   EventComplete,
	"aria2.onDownloadError":      EventError,
	"aria2.onBtDownloadComplete": EventBTComplete,
}

// Event is one daemon notification. Events carry no state of their own; the
// consumer re-polls tellStatus for truth.
type Event struct {
	Kind EventKind
	GID  string
}

// Backoff is the reconnect schedule for the push stream.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	MaxDelay time.Duration
	Jitter   float64 // fraction of the delay, applied ± either way
}

// Next returns the delay for the given consecutive failure count (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Notifier maintains the WebSocket notification connection to the daemon and
// forwards normalized events.
type Notifier struct {
	wsURL   string
	backoff Backoff
	events  chan Event
	logger  zerolog.Logger
}

func NewNotifier(wsURL string, backoff Backoff) *Notifier {
	if backoff.Base == 0 {
		backoff.Base = time.Second
	}
	if backoff.Factor == 0 {
		backoff.Factor = 2
	}
	if backoff.MaxDelay == 0 {
		backoff.MaxDelay = 60 * time.Second
	}
	return &Notifier{
		wsURL:   wsURL,
		backoff: backoff,
		events:  make(chan Event, 256),
		logger:  logger.New("aria2-push"),
	}
}

// Events is the stream of normalized daemon notifications.
func (n *Notifier) Events() <-chan Event {
	return n.events
}

// Run keeps the push connection alive until ctx is canceled, reconnecting
// with exponential backoff that resets after a successful connect.
func (n *Notifier) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.wsURL, nil)
		if err != nil {
			delay := n.backoff.Next(attempt)
			attempt++
			n.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Push connection failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		n.logger.Info().Str("url", n.wsURL).Msg("Push connection established")
		attempt = 0
		err = n.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Warn().Err(err).Msg("Push connection lost")
	}
}

type notification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

func (n *Notifier) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// unblock ReadMessage when the context dies
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var notif notification
		if err := json.Unmarshal(msg, &notif); err != nil {
			n.logger.Debug().Err(err).Msg("Unparseable push frame")
			continue
		}
		kind, ok := methodEvents[notif.Method]
		if !ok {
			continue
		}
		for _, p := range notif.Params {
			if p.GID == "" {
				continue
			}
			select {
			case n.events <- Event{Kind: kind, GID: p.GID}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
