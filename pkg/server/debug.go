package server

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/riptide-dl/riptide/internal/request"
	"github.com/riptide-dl/riptide/pkg/store"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	_store := store.Get()
	active, err := _store.DB().ActiveTasks()
	if err != nil {
		http.Error(w, "Failed to read active tasks: "+err.Error(), http.StatusInternalServerError)
		return
	}

	stats := map[string]interface{}{
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc":      fmt.Sprintf("%.2f MB", float64(m.HeapAlloc)/1024/1024),
		"heap_sys":        fmt.Sprintf("%.2f MB", float64(m.HeapSys)/1024/1024),
		"num_gc":          m.NumGC,
		"active_tasks":    len(active),
		"connected_users": _store.Hub().ConnectedUsers(),
		"free_space":      _store.Files().FreeSpace(),
	}
	request.JSONResponse(w, stats, http.StatusOK)
}
