package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/swepipe/webirc/internal/bouncer"
	"github.com/swepipe/webirc/internal/database"
	"github.com/swepipe/webirc/internal/middleware"
	"github.com/swepipe/webirc/internal/session"
)

// Sessions and Bouncer are set from main.go during init.
var (
	Sessions *session.Manager
	Bouncer  *bouncer.Manager
)

// GetTerminal admits the user and ensures a running terminal session. After a
// 200 the client may open /terminal/ws and load /terminal/ assets.
func GetTerminal(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	seen, err := database.UpsertSeen(id.Username, id.IsAdmin)
	if err != nil {
		if errors.Is(err, database.ErrCapacityExceeded) {
			writeError(w, http.StatusServiceUnavailable, "user capacity exceeded, try again later")
			return
		}
		log.Printf("[terminal] admit %s: %v", id.Username, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if seen.IsNew {
		log.Printf("[terminal] registered new user %s", id.Username)
	}

	if _, err := Sessions.Ensure(r.Context(), id.Username); err != nil {
		writeSessionError(w, id.Username, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"url":    "/terminal/",
	})
}

// writeSessionError maps orchestrator failures to responses. Transient
// provisioning errors were already retried inside the manager; everything
// that reaches here is worth surfacing with a retry hint.
func writeSessionError(w http.ResponseWriter, username string, err error) {
	log.Printf("[terminal] ensure session %s: %v", username, err)
	switch {
	case errors.Is(err, session.ErrPortExhausted):
		writeError(w, http.StatusServiceUnavailable, "no terminal capacity, try again later")
	case errors.Is(err, session.ErrProvisionFailed),
		errors.Is(err, session.ErrSpawnFailed),
		errors.Is(err, session.ErrReadinessTimeout):
		writeError(w, http.StatusBadGateway, "terminal failed to start, try again")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "terminal start timed out, try again")
	default:
		writeError(w, http.StatusInternalServerError, "terminal failed to start")
	}
}

// TerminalWS splices the browser WebSocket onto the user's terminal process.
// The binding must already exist; this endpoint never provisions.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	s, err := Sessions.Lookup(id.Username)
	if err != nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{"tty"},
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] accept websocket for %s: %v", id.Username, err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	backendURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port)
	backendConn, _, err := websocket.Dial(r.Context(), backendURL, &websocket.DialOptions{
		Subprotocols: []string{"tty"},
	})
	if err != nil {
		log.Printf("[terminal] dial backend for %s (port %d): %v", id.Username, s.Port, err)
		clientConn.Close(4502, "terminal unreachable")
		return
	}
	defer backendConn.CloseNow()

	s.Attach()
	defer s.Detach()
	log.Printf("[terminal] client attached: user=%s port=%d", id.Username, s.Port)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// Drop both legs when the process dies mid-connection.
	go func() {
		select {
		case <-s.Done():
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	// Terminal -> Browser
	go func() {
		defer relayCancel()
		for {
			msgType, data, err := backendConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	// Browser -> Terminal. Every client message counts as activity.
	func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			s.Touch()
			if err := backendConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	log.Printf("[terminal] client detached: user=%s port=%d", id.Username, s.Port)
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// TerminalToken answers the terminal client's auth handshake with an empty
// 200; access control already happened at the edge.
func TerminalToken(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// TerminalAssets proxies the terminal runtime's static assets to the user's
// session process.
func TerminalAssets(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	s, err := Sessions.Lookup(id.Username)
	if err != nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", s.Port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[terminal] asset proxy for %s: %v", id.Username, err)
		writeError(w, http.StatusBadGateway, "terminal unreachable")
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = strings.TrimPrefix(r.URL.Path, "/terminal")
	if r2.URL.Path == "" {
		r2.URL.Path = "/"
	}
	proxy.ServeHTTP(w, r2)
}
