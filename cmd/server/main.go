package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"spark-chat/internal/chat"
	"spark-chat/internal/config"
	"spark-chat/internal/db"
	myMiddleware "spark-chat/internal/middleware"
	"spark-chat/internal/session"
	"spark-chat/internal/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until a signal or a fatal error.
func run() error {
	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (accounts always live in Postgres)
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer database.Close()
	log.Info("Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// 3. Chat storage
	store, closeStore, err := openStore(cfg, database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Connect to Redis, optional on a single instance
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("Connected to Redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	} else {
		log.Warn("REDIS_ADDR not set, delivering to local sessions only")
	}

	// 5. User feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, log)

	// 6. Chat feature
	registry := session.NewRegistry(log)
	hub := chat.NewHub(registry, redisClient, cfg.RedisChannel, log)
	dispatcher := chat.NewDispatcher(store, userService, hub, log, chat.DispatcherOptions{
		MaxContentLength: cfg.MaxContentLength,
		HistoryPageSize:  cfg.HistoryPageSize,
	})
	reaper := chat.NewReaper(store, cfg.ReaperInterval, log)
	chatHandler := chat.NewHandler(dispatcher, registry, chat.NewUpgrader(cfg.Origins()), log, cfg.SendTimeout)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService, log)

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", chatHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/ws", chatHandler.ServeWs)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	server := &http.Server{Addr: cfg.Addr, Handler: c.Handler(r)}

	// 8. Run until stopped
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		log.Info("Server starting", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Program stopped cleanly")
	return nil
}

func openStore(cfg config.Config, database *db.Database, log *slog.Logger) (chat.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverBadger:
		bdb, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, fmt.Errorf("badger opening failed: %w", err)
		}
		store, err := chat.NewBadgerStore(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, nil, err
		}
		log.Info("Using BadgerDB chat store", "path", cfg.BadgerPath)
		return store, func() {
			log.Info("Closing BadgerDB...")
			_ = store.Close()
			_ = bdb.Close()
		}, nil
	default:
		return chat.NewRepository(database.Conn), func() {}, nil
	}
}
