package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamchat/internal/config"
	"teamchat/internal/server"
	"teamchat/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)

	if cfg.Server.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}
	users := cfg.Server.Users
	if len(users) == 0 {
		logger.Info("No users configured, seeding demo accounts")
		users = demoUsers()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services
	db, err := openDatabase(ctx, cfg.Server.DatabaseURL, users)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}
	defer db.Close()

	tokens, err := server.NewTokens(cfg.Server.JWTSecret, cfg.Server.AccessTokenTTL, cfg.Server.RefreshTokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize tokens: %v", err)
	}
	srv := server.New(db, tokens, cfg.Socket, logger.GlobalLogger)

	go srv.Hubs().RunCleanup(ctx, time.Minute, 10*time.Minute)

	httpServer := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Server shutting down...")

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		db.Close()
		os.Exit(1)
	}
}

// openDatabase uses Postgres when a URL is configured and the in-memory
// store otherwise. Both are seeded with users.
func openDatabase(ctx context.Context, databaseURL string, users []config.SeedUser) (server.Database, error) {
	if databaseURL == "" {
		logger.Info("No database configured, keeping data in memory")
		store, err := server.NewStore(users)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	db, err := server.NewPostgresDB(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Seed(ctx, users); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Connected to PostgreSQL")
	return db, nil
}

func demoUsers() []config.SeedUser {
	return []config.SeedUser{
		{ID: "u-ada", Name: "Ada", Email: "ada@example.com", Password: "password", Teams: []string{"general"}},
		{ID: "u-bob", Name: "Bob", Email: "bob@example.com", Password: "password", Teams: []string{"general"}},
	}
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /api/auth/login")
	logger.Info("   POST /api/auth/refresh")
	logger.Info("   POST /api/auth/logout")
	logger.Info("   GET  /api/auth/profile")
	logger.Info("   GET  /api/chat/{teamId}/messages?limit=50")
	logger.Info("   PUT  /api/chat/messages/{id}")
}
