package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/swepipe/webirc/internal/database"
	"github.com/swepipe/webirc/internal/middleware"
)

// GetAdminSettings returns the capacity setting plus live counters.
func GetAdminSettings(w http.ResponseWriter, r *http.Request) {
	total, err := database.UserCount()
	if err != nil {
		log.Printf("[admin] count users: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"maxUsers":       database.MaxUsers(),
		"activeSessions": Sessions.ActiveCount(),
		"totalUsers":     total,
	})
}

type settingsUpdateRequest struct {
	MaxUsers int `json:"maxUsers"`
}

// UpdateAdminSettings persists a new capacity cap. Effective for subsequent
// admissions only; existing users are never evicted by lowering it.
func UpdateAdminSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := database.SetMaxUsers(req.MaxUsers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("[admin] max_users set to %d", req.MaxUsers)
	GetAdminSettings(w, r)
}

type userResponse struct {
	Username      string `json:"username"`
	FirstSeen     string `json:"firstSeen"`
	LastSeen      string `json:"lastSeen"`
	IsAdmin       bool   `json:"isAdmin"`
	ActiveSession bool   `json:"activeSession"`
}

// ListAdminUsers returns every registered user, most recently seen first.
// The active flag is taken from the live orchestrator, not the cached
// column, so a just-crashed process never shows as active.
func ListAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		log.Printf("[admin] list users: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	resp := make([]userResponse, len(users))
	for i, u := range users {
		resp[i] = userResponse{
			Username:      u.Username,
			FirstSeen:     u.FirstSeen.UTC().Format("2006-01-02T15:04:05Z"),
			LastSeen:      u.LastSeen.UTC().Format("2006-01-02T15:04:05Z"),
			IsAdmin:       u.IsAdmin,
			ActiveSession: Sessions.IsActive(u.Username),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": resp})
}

// KickUser forcibly stops a user's session. No re-provision.
func KickUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !Sessions.Kick(username) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	log.Printf("[admin] kicked session for %s", username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

// ClearUser stops the user's session and wipes their bouncer account and
// rendered config. The user record stays; a fresh account is provisioned on
// their next terminal request.
func ClearUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	Sessions.Kick(username)
	if err := Bouncer.DeleteAccount(r.Context(), username); err != nil {
		log.Printf("[admin] clear %s: %v", username, err)
		writeError(w, http.StatusInternalServerError, "failed to clear user data")
		return
	}
	log.Printf("[admin] cleared session data for %s", username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// DeleteUser removes a user from the registry, freeing a capacity slot. The
// delete is refused while a session is live; kick first. Admins cannot
// delete themselves.
func DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if id, ok := middleware.GetIdentity(r); ok && id.Username == username {
		writeError(w, http.StatusBadRequest, "cannot delete yourself")
		return
	}

	if Sessions.IsActive(username) {
		writeError(w, http.StatusConflict, "user has an active session, kick first")
		return
	}

	if err := database.RemoveUser(username); err != nil {
		switch {
		case errors.Is(err, database.ErrHasActiveSession):
			writeError(w, http.StatusConflict, "user has an active session, kick first")
		case errors.Is(err, database.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			log.Printf("[admin] delete %s: %v", username, err)
			writeError(w, http.StatusInternalServerError, "failed to delete user")
		}
		return
	}

	if err := Bouncer.DeleteAccount(r.Context(), username); err != nil {
		log.Printf("[admin] delete %s: remove account: %v", username, err)
	}
	log.Printf("[admin] deleted user %s", username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
