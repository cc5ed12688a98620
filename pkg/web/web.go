package web

import (
	"cmp"
	"os"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/logger"
)

// Web is the JSON API surface. Tenants authenticate with a session cookie or
// a per-user API token; the fan-out WebSocket rides the same auth.
type Web struct {
	logger   zerolog.Logger
	cookie   *sessions.CookieStore
	upgrader websocket.Upgrader
	secret   []byte
}

func New() *Web {
	secretKey := cmp.Or(os.Getenv("RIPTIDE_SECRET_KEY"), "\"wqj(v%lj*!-+kf@4&i95rhh_!5_px5qnuwqbr%cjrvrozz_r*(\"")
	cookieStore := sessions.NewCookieStore([]byte(secretKey))
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}
	return &Web{
		logger: logger.New("web"),
		cookie: cookieStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		secret: []byte(secretKey),
	}
}
