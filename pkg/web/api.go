package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/request"
	"github.com/riptide-dl/riptide/internal/utils"
	"github.com/riptide-dl/riptide/pkg/admission"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fingerprint"
	"github.com/riptide-dl/riptide/pkg/store"
	"github.com/riptide-dl/riptide/pkg/version"
)

const maxTorrentUpload = 32 << 20

// handleSubmit accepts a batch of download submissions: newline-separated
// magnet/http links in the "urls" field and/or uploaded .torrent files.
func (wb *Web) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := requestUser(r)
	if err := r.ParseMultipartForm(maxTorrentUpload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_store := store.Get()

	results := make([]*database.SubscriptionView, 0)
	errs := make([]string, 0)

	if urls := r.FormValue("urls"); urls != "" {
		for _, u := range strings.Split(urls, "\n") {
			trimmed := strings.TrimSpace(u)
			if trimmed == "" {
				continue
			}
			view, err := _store.Submit(ctx, user, fingerprint.Submission{URI: trimmed})
			if err != nil {
				wb.logger.Error().Err(err).Str("user", user).Str("url", utils.MaskURLCredentials(trimmed)).Msg("Failed to submit url")
				errs = append(errs, fmt.Sprintf("URL %s: %v", utils.MaskURLCredentials(trimmed), err))
				continue
			}
			results = append(results, view)
		}
	}

	if r.MultipartForm != nil {
		for _, fileHeader := range r.MultipartForm.File["files"] {
			file, err := fileHeader.Open()
			if err != nil {
				errs = append(errs, fmt.Sprintf("Failed to open file %s: %v", fileHeader.Filename, err))
				continue
			}
			blob, err := io.ReadAll(file)
			_ = file.Close()
			if err != nil {
				errs = append(errs, fmt.Sprintf("Failed to read file %s: %v", fileHeader.Filename, err))
				continue
			}
			view, err := _store.Submit(ctx, user, fingerprint.Submission{Torrent: blob})
			if err != nil {
				wb.logger.Error().Err(err).Str("user", user).Str("file", fileHeader.Filename).Msg("Failed to submit torrent")
				errs = append(errs, fmt.Sprintf("File %s: %v", fileHeader.Filename, err))
				continue
			}
			results = append(results, view)
		}
	}

	status := http.StatusOK
	if len(results) == 0 && len(errs) > 0 {
		status = submitErrorStatus(errs)
	}
	request.JSONResponse(w, struct {
		Results []*database.SubscriptionView `json:"results"`
		Errors  []string                     `json:"errors,omitempty"`
	}{
		Results: results,
		Errors:  errs,
	}, status)
}

// submitErrorStatus picks a status code for an all-failed batch from the
// first recognizable failure.
func submitErrorStatus(errs []string) int {
	joined := strings.Join(errs, "; ")
	switch {
	case strings.Contains(joined, admission.ErrTaskTooLarge.Error()):
		return http.StatusRequestEntityTooLarge
	case strings.Contains(joined, admission.ErrSpaceDenied.Error()):
		// a quota denial is the caller's problem, not a server fault
		return http.StatusForbidden
	case strings.Contains(joined, store.ErrAlreadyOwned.Error()):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (wb *Web) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	views, err := store.Get().ListSubscriptions(requestUser(r), r.URL.Query().Get("filter"))
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, views, http.StatusOK)
}

func (wb *Web) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	err := store.Get().CancelSubscription(r.Context(), requestUser(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			wb.sendJSONError(w, "subscription not found", http.StatusNotFound)
			return
		}
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (wb *Web) handleClearTerminated(w http.ResponseWriter, r *http.Request) {
	cleared, err := store.Get().ClearTerminated(requestUser(r))
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, map[string]int64{"cleared": cleared}, http.StatusOK)
}

func (wb *Web) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := store.Get().ListFiles(requestUser(r))
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, files, http.StatusOK)
}

func (wb *Web) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	err := store.Get().DeleteFile(requestUser(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			wb.sendJSONError(w, "file not found", http.StatusNotFound)
			return
		}
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFileLink mints an expiring signed download link for one owned file.
func (wb *Web) handleFileLink(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	fileID := chi.URLParam(r, "id")

	files, err := store.Get().ListFiles(user)
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	owned := false
	for _, f := range files {
		if f.ID == fileID {
			owned = true
			break
		}
	}
	if !owned {
		wb.sendJSONError(w, "file not found", http.StatusNotFound)
		return
	}

	expiry := config.Get().GetDownloadTokenExpiry()
	token := wb.signDownload(fileID, expiry)
	request.JSONResponse(w, map[string]interface{}{
		"url":        config.Get().URLBase + "download/" + token,
		"expires_in": int64(expiry.Seconds()),
	}, http.StatusOK)
}

// handleDownload serves an artifact through a signed token. Directories are
// not streamable; clients browse them through the files listing instead.
func (wb *Web) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID, ok := wb.verifyDownload(chi.URLParam(r, "token"))
	if !ok {
		wb.sendJSONError(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	path, name, isDir, err := store.Get().ResolveDownload(fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			wb.sendJSONError(w, "file not found", http.StatusNotFound)
			return
		}
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if isDir {
		wb.sendJSONError(w, "directories cannot be downloaded directly", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (wb *Web) handleQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := store.Get().Quota(requestUser(r))
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, usage, http.StatusOK)
}

func (wb *Web) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := store.Get().History(requestUser(r), limit)
	if err != nil {
		wb.sendJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	request.JSONResponse(w, rows, http.StatusOK)
}

func (wb *Web) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, version.GetInfo(), http.StatusOK)
}
