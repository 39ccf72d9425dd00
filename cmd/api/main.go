package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/garyvish82-droid/hoodcup/internal/config"
	"github.com/garyvish82-droid/hoodcup/internal/domain/feed"
	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
	"github.com/garyvish82-droid/hoodcup/internal/middleware"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/database"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/jwt"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
	pkgresponse "github.com/garyvish82-droid/hoodcup/internal/pkg/response"
)

const (
	requestTimeout = 10 * time.Second
	rosterLoadWait = 30 * time.Second
)

type app struct {
	cfg     *config.Config
	service *ledger.Service
	roster  *ledger.Roster
	hub     *feed.Hub
	jwt     *jwt.Service
	limiter *middleware.RateLimiter
	ping    func(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	closeLog, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "hoodcup-api",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("store", cfg.StoreDriver).
		Msg("Starting hoodcup API")

	store, ping, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer closeStore()

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	// ---------- Ledger ----------
	service := ledger.NewService(store, ledger.Config{
		MaxPurchaseAttempts: cfg.PurchaseMaxAttempts,
		RetryBackoff:        cfg.PurchaseRetryBackoff,
		StrictPhoneLookup:   cfg.StrictPhoneLookup,
	})

	roster := ledger.NewRoster()

	// ---------- Live feed ----------
	// Subscribed before the roster load so no confirmed write falls between them.
	hub := feed.NewHub(redis, func(e ledger.Event) { roster.Apply(e.Customer) })
	go hub.Run()
	defer hub.Shutdown()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), rosterLoadWait)
	if err := roster.Load(loadCtx, store); err != nil {
		cancelLoad()
		log.Fatal().Err(err).Msg("Failed to load roster")
	}
	cancelLoad()
	log.Info().Int("customers", roster.Len()).Msg("Roster loaded")

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go roster.Refresh(refreshCtx, store, cfg.RosterRefreshInterval)

	service.AddObserver(roster)
	service.AddObserver(hub)

	proxies, err := middleware.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid TRUSTED_PROXIES")
	}

	a := &app{
		cfg:     cfg,
		service: service,
		roster:  roster,
		hub:     hub,
		jwt:     jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL),
		limiter: middleware.NewRateLimiter(redis, "lookup", cfg.LookupRateLimit, cfg.LookupRateWindow, proxies),
		ping:    ping,
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// openStore returns the configured record store, a health probe and a closer.
func openStore(cfg *config.Config) (ledger.Store, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn().Msg("Using in-memory record store; balances are lost on restart")
		return ledger.NewMemoryStore(), nil, func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, nil, err
		}
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return ledger.NewPostgresStore(db, cfg.StoreTimeout), db.PingContext, func() { database.ClosePostgres(db) }, nil
}

func newRouter(a *app) http.Handler {
	ledgerHandler := ledger.NewHandler(a.service, a.roster, a.cfg.LookupMinDigits)
	feedHandler := feed.NewHandler(a.hub, a.cfg.AllowedOrigins)
	authMiddleware := middleware.Auth(a.jwt)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(a.cfg.AllowedOrigins))

	// WebSocket endpoint (no compression or timeout: the connection is hijacked)
	r.Mount("/ws", feedHandler.Routes(middleware.AuthWithQueryToken(a.jwt)))

	r.Get("/health", a.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", a.health)
		r.With(a.limiter.PerIP()).Post("/lookup", ledgerHandler.Lookup)
		r.Mount("/me", ledgerHandler.MeRoutes(authMiddleware))
		r.Mount("/customers", ledgerHandler.StaffRoutes(authMiddleware))
	})

	return r
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Msg("Health check failed")
			pkgresponse.ServiceUnavailable(w, "STORE_UNAVAILABLE", "Record store is unreachable")
			return
		}
	}

	pkgresponse.OK(w, map[string]interface{}{
		"status":    "ok",
		"customers": a.roster.Len(),
		"feed":      a.hub.ConnectionCount(),
	})
}
