package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/xogrid/server/internal/api"
	"github.com/xogrid/server/internal/config"
	"github.com/xogrid/server/internal/kafka"
	"github.com/xogrid/server/internal/ledger"
	"github.com/xogrid/server/internal/matchmaker"
	"github.com/xogrid/server/internal/session"
	"github.com/xogrid/server/internal/settlement"
	"github.com/xogrid/server/internal/storage"
	"github.com/xogrid/server/internal/websocket"
)

// openStore connects the configured backend, falling back to memory when it
// is unreachable
func openStore(ctx context.Context, cfg *config.Config) storage.Store {
	switch cfg.StoreBackend {
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err == nil {
			return store
		}
		log.Printf("Warning: Database not available: %v", err)
	case "redis":
		store, err := storage.NewRedisStore(ctx, cfg.RedisURL)
		if err == nil {
			return store
		}
		log.Printf("Warning: Redis not available: %v", err)
	case "memory":
		return storage.NewMemoryStore()
	default:
		log.Printf("Warning: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	log.Println("Running in memory-only mode (state won't survive a restart)")
	return storage.NewMemoryStore()
}

func main() {
	cfg := config.Load()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store := openStore(ctx, cfg)
	defer store.Close()

	// Kafka producer and analytics consumer
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		log.Printf("Warning: Kafka producer not available: %v", err)
	}
	defer producer.Close()

	var analytics *kafka.Analytics
	if producer.IsEnabled() {
		analytics = kafka.NewAnalytics()
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic, analytics)
		if err != nil {
			log.Printf("Warning: Kafka consumer not available: %v", err)
			analytics = nil
		} else {
			consumer.Start()
			defer consumer.Stop()
		}
	}

	hub := websocket.NewHub()
	go hub.Run(ctx)

	mm := matchmaker.NewMatchmaker(store, hub, matchmaker.Config{
		StaleAfter:  cfg.QueueStaleAfter,
		MoveTimeout: cfg.MoveTimeout,
	})
	settler := settlement.NewSettler(store, hub)

	var events session.EventSink
	if producer.IsEnabled() {
		events = producer
	}
	coord := session.NewCoordinator(store, mm, settler, hub, events)

	// A player who drops while waiting leaves the queue; an active match
	// runs on until the move timer decides it.
	hub.SetOnDisconnect(func(playerID int64) {
		if _, err := coord.LeaveQueue(context.Background(), playerID); err != nil {
			log.Printf("Error removing player %d from queue: %v", playerID, err)
		}
	})

	if cfg.SweepInterval > 0 {
		sched, err := session.StartSweepScheduler(coord, cfg.SweepInterval)
		if err != nil {
			log.Fatalf("Scheduler error: %v", err)
		}
		defer sched.Stop()
	}

	handler := websocket.NewHandler(hub, coord)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", api.AdminTokenHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		apiHandlers := api.NewHandlers(store, coord, ledger.New(store), producer, analytics, cfg.AdminToken)
		apiHandlers.RegisterRoutes(r)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, handler, w, r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s (%s, store=%s)", cfg.Port, cfg.Environment, cfg.StoreBackend)
		log.Printf("WebSocket endpoint: ws://localhost:%s/ws?player=<id>", cfg.Port)
		log.Printf("API endpoint: http://localhost:%s/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	stop()

	log.Println("Server exited properly")
}
