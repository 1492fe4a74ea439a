// cmd/circulation/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biblioteca/internal/auth"
	"biblioteca/internal/circulation"
	"biblioteca/internal/clients"
	"biblioteca/internal/config"
	"biblioteca/internal/eventstore"
	ratelimit "biblioteca/internal/middleware"
	"biblioteca/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "biblioteca/docs"
)

//go:generate swag init -g main.go -d .,../../internal/circulation -o ../../docs

// @title			Biblioteca Circulation API
// @version		1.0
// @description	Lending, returning and listing library loans.
// @BasePath		/

// @securityDefinitions.apikey	BearerToken
// @in							header
// @name						Authorization
// @description				Type "Bearer" followed by a space and a JWT.

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "circulation", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("Failed to flush telemetry: %v", err)
		}
	}()

	svc, closeStore, err := newService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up %s store: %v", cfg.Store, err)
	}
	defer closeStore()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
		}
	}()

	fmt.Printf("🚀 Starting Circulation Service on port %s (store: %s)\n", cfg.Port, cfg.Store)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("Circulation Service stopped")
}

func newService(ctx context.Context, cfg *config.Config) (circulation.Service, func(), error) {
	if cfg.Store == config.StoreMemory {
		users := make([]circulation.UserID, 0, len(cfg.SeedUsers))
		for _, u := range cfg.SeedUsers {
			users = append(users, circulation.UserID(u))
		}
		books := make([]circulation.BookID, 0, len(cfg.SeedBooks))
		for _, b := range cfg.SeedBooks {
			books = append(books, circulation.BookID(b))
		}
		return circulation.NewMemoryService(users, books, cfg.LoanPeriod), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	es := eventstore.NewEventStore(db)
	if err := circulation.Migrate(ctx, es, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	catalogClient := clients.NewCatalogClient(cfg.CatalogServiceURL, nil)
	membershipClient := clients.NewMembershipClient(cfg.MembershipServiceURL, nil)
	svc := circulation.NewService(es, db, membershipClient, catalogClient, cfg.LoanPeriod)
	return svc, func() { db.Close() }, nil
}

func newRouter(cfg *config.Config, svc circulation.Service) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	router.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// Only the authenticated endpoints are throttled. Health, status and docs
	// stay reachable when the bucket is empty.
	circulation.NewHandler(svc).Routes(router,
		auth.NewAuthenticator(cfg.JWTSecret),
		ratelimit.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)
	return router
}
