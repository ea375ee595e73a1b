package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/labfoundry/labgate/internal/auth"
	"github.com/labfoundry/labgate/internal/bridge"
	"github.com/labfoundry/labgate/internal/config"
	"github.com/labfoundry/labgate/internal/crypto"
	"github.com/labfoundry/labgate/internal/database"
	"github.com/labfoundry/labgate/internal/handlers"
	"github.com/labfoundry/labgate/internal/logging"
	"github.com/labfoundry/labgate/internal/middleware"
	"github.com/labfoundry/labgate/internal/targets"
	"github.com/labfoundry/labgate/internal/ticket"
	"github.com/labfoundry/labgate/internal/tunnel"
	"github.com/labfoundry/labgate/internal/usage"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(config.Cfg.DataPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, FreeHours=%d, PremiumHours=%d, PeriodDays=%d",
		config.Cfg.AuthDisabled, config.Cfg.FreeHours, config.Cfg.PremiumHours, config.Cfg.PeriodDays)

	// Quota ledger and ticket issuer
	limits := usage.NewLimits(config.Cfg.FreeHours, config.Cfg.PremiumHours,
		config.Cfg.PeriodDays, config.Cfg.PremiumRole)
	ledger := usage.NewLedger(limits, config.Cfg.PremiumOverride)
	issuer := ticket.NewIssuer(config.Cfg.TicketTTL)

	// Lab node allow-list: configured default plus an optional YAML file.
	targetReg := targets.NewRegistry(targets.Target{
		Host:     config.Cfg.SSHHost,
		Port:     config.Cfg.SSHPort,
		User:     config.Cfg.SSHUser,
		Password: config.Cfg.SSHPass,
	})
	if config.Cfg.TargetsFile != "" {
		if err := targetReg.LoadFile(config.Cfg.TargetsFile, crypto.Decrypt); err != nil {
			log.Fatalf("Load targets file: %v", err)
		}
	}
	log.Printf("Lab nodes: %v", targetReg.IDs())

	connReg := bridge.NewRegistry()
	orch := tunnel.New(ledger, issuer, targetReg, connReg)
	handlers.Orch = orch

	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	// Periodic sweep: expired tickets release their quota reservations.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", orch.SweepExpiredTickets); err != nil {
		log.Fatalf("Schedule ticket sweep: %v", err)
	}
	sweeper.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Post("/auth/logout", handlers.Logout)
		r.Get("/auth/setup", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Get("/me", handlers.GetCurrentUser)
			r.Get("/nodes", handlers.ListNodes)
			r.Get("/usage", handlers.GetUsage)
			r.Get("/usage/override", handlers.GetPremiumOverride)
			r.Post("/ws-ticket", handlers.IssueTicket)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/usage/override", handlers.SetPremiumOverride)

				r.Get("/logs", handlers.GetServerLogs)
				r.Delete("/logs", handlers.ClearServerLogs)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Put("/users/{userId}/subscription", handlers.UpdateUserSubscription)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)
			})
		})
	})

	// Websocket endpoints. The one-time ticket is the credential here;
	// browsers cannot attach headers to websocket upgrades.
	r.Get("/ws/sshterm/{node}", handlers.TerminalWS)
	r.Get("/ws/tunnel/{node}", handlers.GuacdWS)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()
	connReg.CloseAll()
	orch.SweepExpiredTickets()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: labgate --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(config.Cfg.DataPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", *username)
	}
}
