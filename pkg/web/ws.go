package web

import (
	"net/http"

	"github.com/riptide-dl/riptide/pkg/fanout"
	"github.com/riptide-dl/riptide/pkg/store"
)

// handleWS upgrades an authenticated request into a fan-out session. Each
// session gets its own peer; a user may hold several at once.
func (wb *Web) handleWS(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	conn, err := wb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wb.logger.Debug().Err(err).Str("user", user).Msg("WebSocket upgrade failed")
		return
	}

	hub := store.Get().Hub()
	peer := fanout.NewPeer(user, conn)
	hub.Register(peer)

	go peer.WritePump()
	peer.ReadPump()
	hub.Unregister(peer)
}
