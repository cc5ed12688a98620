package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/riptide-dl/riptide/internal/config"
)

// userFromToken resolves a per-user API token from the Authorization header.
// Supports both "Bearer <token>" and "Token <token>" formats.
func (wb *Web) userFromToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	var token string
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else if strings.HasPrefix(authHeader, "Token ") {
		token = strings.TrimPrefix(authHeader, "Token ")
	} else {
		return ""
	}

	u := config.Get().UserByToken(token)
	if u == nil {
		return ""
	}
	return u.Name
}

// userFromSession resolves the logged-in tenant from the session cookie.
func (wb *Web) userFromSession(r *http.Request) string {
	session, _ := wb.cookie.Get(r, "auth-session")
	name, _ := session.Values["user"].(string)
	if name == "" {
		return ""
	}
	if config.Get().UserByName(name) == nil {
		// the user was removed from the config after logging in
		return ""
	}
	return name
}

func (wb *Web) loginHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		wb.sendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !config.VerifyUser(body.Username, body.Password) {
		wb.sendJSONError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	session, _ := wb.cookie.Get(r, "auth-session")
	session.Values["user"] = body.Username
	if err := session.Save(r, w); err != nil {
		wb.logger.Error().Err(err).Msg("Failed to save session")
		wb.sendJSONError(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (wb *Web) logoutHandler(w http.ResponseWriter, r *http.Request) {
	session, _ := wb.cookie.Get(r, "auth-session")
	session.Options.MaxAge = -1
	_ = session.Save(r, w)
	w.WriteHeader(http.StatusNoContent)
}

// signDownload builds an expiring token for one user file:
// base64(fileID|exp|hmac-sha256(fileID|exp)).
func (wb *Web) signDownload(userFileID string, expiry time.Duration) string {
	exp := time.Now().Add(expiry).Unix()
	payload := fmt.Sprintf("%s|%d", userFileID, exp)
	mac := hmac.New(sha256.New, wb.secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + sig))
}

// verifyDownload validates a signed download token and returns the user file
// id it grants.
func (wb *Web) verifyDownload(token string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return "", false
	}
	fileID, expStr, sig := parts[0], parts[1], parts[2]

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || time.Now().Unix() > exp {
		return "", false
	}

	mac := hmac.New(sha256.New, wb.secret)
	mac.Write([]byte(fileID + "|" + expStr))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return fileID, true
}
