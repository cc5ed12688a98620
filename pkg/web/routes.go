package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (wb *Web) Routes() http.Handler {
	r := chi.NewRouter()

	// Public routes - no auth needed
	r.Get("/version", wb.handleGetVersion)
	r.Post("/login", wb.loginHandler)
	r.Post("/logout", wb.logoutHandler)
	r.Get("/download/{token}", wb.handleDownload)

	// Protected routes - require auth
	r.Group(func(r chi.Router) {
		r.Use(wb.authMiddleware)

		r.Get("/ws", wb.handleWS)

		r.Route("/api", func(r chi.Router) {
			// Download management
			r.Post("/downloads", wb.handleSubmit)
			r.Get("/downloads", wb.handleListDownloads)
			r.Delete("/downloads/{id}", wb.handleCancelDownload)
			r.Delete("/downloads", wb.handleClearTerminated)

			// Owned files
			r.Get("/files", wb.handleListFiles)
			r.Delete("/files/{id}", wb.handleDeleteFile)
			r.Post("/files/{id}/link", wb.handleFileLink)

			// Account
			r.Get("/quota", wb.handleQuota)
			r.Get("/history", wb.handleHistory)
		})
	})

	// Operator routes - admin token only
	r.Group(func(r chi.Router) {
		r.Use(wb.adminMiddleware)
		r.Get("/api/config", wb.handleGetConfig)
		r.Post("/api/config", wb.handleUpdateConfig)
	})

	return r
}
