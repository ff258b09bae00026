package handlers

import (
	"net/http"

	"github.com/swepipe/webirc/internal/middleware"
)

// Me returns the authenticated identity.
func Me(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": id.Username,
		"email":    id.Email,
		"isAdmin":  id.IsAdmin,
	})
}
