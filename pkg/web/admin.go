package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/request"
)

var restartFunc func()

// SetRestartFunc allows setting a callback to restart services
func SetRestartFunc(fn func()) {
	restartFunc = fn
}

// adminMiddleware guards operator endpoints with the admin API token.
func (wb *Web) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := config.Get().GetAuth()
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if auth == nil || auth.APIToken == "" || token != auth.APIToken {
			wb.sendJSONError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (wb *Web) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, config.Get(), http.StatusOK)
}

// handleUpdateConfig persists a new configuration and restarts the services
// so connection-level settings (daemon endpoint, bind address) take effect.
func (wb *Web) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		wb.sendJSONError(w, "invalid config payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := cfg.Save(); err != nil {
		wb.sendJSONError(w, "failed to save config: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if restartFunc != nil {
		go restartFunc()
	}
}
