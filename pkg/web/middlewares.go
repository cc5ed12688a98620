package web

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey string

const userKey contextKey = "riptide-user"

// authMiddleware resolves the tenant from a per-user API token first, then
// the session cookie, and injects it into the request context.
func (wb *Web) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := wb.userFromToken(r)
		if user == "" {
			user = wb.userFromSession(r)
		}
		if user == "" {
			wb.sendJSONError(w, "Authentication required. Provide a valid API token in the Authorization header (Bearer <token>) or authenticate via session cookies.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// requestUser returns the authenticated tenant for an in-flight request.
func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

// sendJSONError sends a JSON error response
func (wb *Web) sendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
	if err != nil {
		return
	}
}
