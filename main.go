package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/swepipe/webirc/internal/auth"
	"github.com/swepipe/webirc/internal/bouncer"
	"github.com/swepipe/webirc/internal/config"
	"github.com/swepipe/webirc/internal/database"
	"github.com/swepipe/webirc/internal/handlers"
	"github.com/swepipe/webirc/internal/middleware"
	"github.com/swepipe/webirc/internal/session"
)

func main() {
	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	var validator *auth.Validator
	if config.Cfg.DevMode {
		log.Printf("WARNING: dev mode enabled, all requests authenticate as %s", config.Cfg.DevUser)
	} else {
		if config.Cfg.CFTeamDomain == "" || config.Cfg.CFAud == "" {
			log.Fatal("CF_TEAM_DOMAIN and CF_AUD are required outside dev mode")
		}
		validator = auth.NewValidator(config.Cfg.CFTeamDomain, config.Cfg.CFAud,
			config.Cfg.JWKSCacheTTL, config.Cfg.AdminSet())
	}

	networks, err := config.Cfg.Networks()
	if err != nil {
		log.Fatalf("IRC network config: %v", err)
	}

	bouncerMgr := bouncer.NewManager(config.Cfg.SojuConfig,
		filepath.Join(config.Cfg.DataPath, "sessions"), config.Cfg.SojuAddr, networks)
	handlers.Bouncer = bouncerMgr

	sessions := session.NewManager(session.Config{
		BasePort:         config.Cfg.TTYDBasePort,
		PortSpan:         config.Cfg.TTYDPortSpan,
		ReadyTimeout:     config.Cfg.ReadyTimeout,
		IdleTimeout:      config.Cfg.IdleTimeout,
		ProvisionRetries: config.Cfg.ProvisionRetries,
		ProvisionBackoff: config.Cfg.ProvisionBackoff,
	}, bouncerMgr)
	handlers.Sessions = sessions
	log.Printf("Session manager initialized (ports %d-%d, idle timeout %s)",
		config.Cfg.TTYDBasePort, config.Cfg.TTYDBasePort+config.Cfg.TTYDPortSpan-1, config.Cfg.IdleTimeout)

	// Idle session reaper
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		if n := sessions.ReapIdle(); n > 0 {
			log.Printf("[reaper] reaped %d idle session(s)", n)
		}
	}); err != nil {
		log.Fatalf("Reaper schedule: %v", err)
	}
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	// Everything else sits behind the identity proxy assertion
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(validator))
		r.Use(middleware.TouchSeen)

		r.Get("/api/me", handlers.Me)
		r.Get("/api/terminal", handlers.GetTerminal)
		r.Post("/api/session/clear", handlers.ClearSession)

		// Terminal runtime proxy
		r.Get("/terminal/ws", handlers.TerminalWS)
		r.Get("/terminal/token", handlers.TerminalToken)
		r.Get("/terminal/", handlers.TerminalAssets)
		r.Get("/terminal/*", handlers.TerminalAssets)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/api/admin/settings", handlers.GetAdminSettings)
			r.Post("/api/admin/settings", handlers.UpdateAdminSettings)
			r.Get("/api/admin/users", handlers.ListAdminUsers)
			r.Post("/api/admin/users/{username}/kick", handlers.KickUser)
			r.Post("/api/admin/users/{username}/clear", handlers.ClearUser)
			r.Delete("/api/admin/users/{username}", handlers.DeleteUser)
		})
	})

	// Frontend static files
	spa := middleware.NewSPAHandler(config.Cfg.PublicDir)
	r.NotFound(spa.ServeHTTP)

	addr := ":" + strconv.Itoa(config.Cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sessions.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
