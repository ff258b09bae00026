package handlers

import (
	"log"
	"net/http"

	"github.com/swepipe/webirc/internal/middleware"
)

// ClearSession wipes the user's state and starts over: the running process is
// stopped, the bouncer account and its rendered config are deleted, and a
// fresh session is provisioned. The response carries the new binding status.
func ClearSession(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	Sessions.Kick(id.Username)

	if err := Bouncer.DeleteAccount(r.Context(), id.Username); err != nil {
		log.Printf("[session] clear %s: delete account: %v", id.Username, err)
		writeError(w, http.StatusInternalServerError, "failed to clear session data")
		return
	}

	// Reset rather than Ensure: a concurrent request may have spawned a
	// session against the old account between the kick and the wipe.
	if _, err := Sessions.Reset(r.Context(), id.Username); err != nil {
		writeSessionError(w, id.Username, err)
		return
	}

	log.Printf("[session] cleared and restarted session for %s", id.Username)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"url":    "/terminal/",
	})
}
