package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aioarena/backend/internal/api"
	"github.com/aioarena/backend/internal/arena"
	"github.com/aioarena/backend/internal/cache"
	"github.com/aioarena/backend/internal/config"
	"github.com/aioarena/backend/internal/database"
	"github.com/aioarena/backend/internal/dispatch"
	"github.com/aioarena/backend/internal/events"
	"github.com/aioarena/backend/internal/gateway"
	"github.com/aioarena/backend/internal/market"
	"github.com/aioarena/backend/internal/metrics"
	"github.com/aioarena/backend/internal/provider"
	"github.com/aioarena/backend/internal/rating"
	"github.com/aioarena/backend/internal/tasks"
	"github.com/aioarena/backend/internal/vault"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	logger.Printf("starting arena backend (env=%s)", cfg.Server.Env)

	// ===== STORAGE =====

	store, err := database.NewStore(cfg.Store.SupabaseURL, cfg.Store.SupabaseKey)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	wallet, err := database.NewWalletStore(cfg.Store.DatabaseURL)
	if err != nil {
		log.Fatalf("wallet: %v", err)
	}
	defer wallet.Close()

	var kv cache.Store
	if redis, err := cache.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisPassword, 0); err != nil {
		logger.Printf("redis unavailable (%v), falling back to in-memory cache", err)
		kv = cache.NewMemory()
	} else {
		kv = redis
	}
	defer kv.Close()

	cryptoVault, err := vault.New(cfg.Store.CredentialSecret)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	// ===== CORE SERVICES =====

	m := metrics.New()

	bus := events.NewPersistentBus(
		events.NewBus(cfg.Events.HistoryMax, time.Duration(cfg.Events.HistoryMaxAgeSec)*time.Second),
		kv,
	)

	registry := tasks.NewRegistry()
	dispatcher := dispatch.New(cryptoVault, provider.NewRegistry(), time.Duration(cfg.Arena.PerTurnTimeoutMs)*time.Millisecond)
	rater := rating.NewService(store)
	engine := market.NewEngine(store, wallet, bus, m, float64(cfg.Market.MaxBetSize), float64(cfg.Arena.SandboxStartingBalance))
	resolver := market.NewAutoResolver(engine, store, cfg.Market.StaleMarketHours, cfg.Market.AutoResolverIntervalMin)

	manager := arena.NewManager(arena.ManagerOptions{
		Store:         store,
		Snapshots:     kv,
		Dispatcher:    dispatcher,
		Rater:         rater,
		Resolver:      engine,
		Registry:      registry,
		Bus:           bus,
		Metrics:       m,
		MaxConcurrent: cfg.Arena.MaxConcurrentCompetitions,
		TurnTimeout:   time.Duration(cfg.Arena.PerTurnTimeoutMs) * time.Millisecond,
	})

	// crash leftovers are cancelled before anything else runs
	if err := manager.Recover(context.Background()); err != nil {
		logger.Printf("crash recovery failed: %v", err)
	}
	resolver.Start()
	defer resolver.Stop()

	// ===== SURFACES =====

	gw := gateway.New(gateway.Options{
		Bus:            bus,
		Store:          store,
		Votes:          kv,
		Auth:           nil, // bearer validation plugs in here
		Metrics:        m,
		MaxConnPerIP:   cfg.Gateway.MaxConnPerIP,
		ConnRatePerMin: cfg.Gateway.ConnRatePerMin,
		VoteRate:       cfg.Gateway.VoteRate,
		VoteWindow:     time.Duration(cfg.Gateway.VoteWindowSec) * time.Second,
	})

	server := api.NewServer(api.Options{
		Store:     store,
		Manager:   managerAdapter{manager},
		Markets:   engine,
		Sandbox:   dispatcher,
		Registry:  registry,
		Votes:     kv,
		Auth:      nil,
		WsHandler: gw.HandleWS,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	// ===== GRACEFUL SHUTDOWN =====

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Printf("shutdown signal received")

	gw.Shutdown()
	manager.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	logger.Printf("bye")
}

// managerAdapter narrows arena.Manager to the HTTP surface.
type managerAdapter struct {
	*arena.Manager
}

func (m managerAdapter) Live(competitionID string) (*api.LiveState, bool) {
	ctrl, ok := m.Get(competitionID)
	if !ok || ctrl == nil {
		return nil, false
	}
	turnIndex, leaderboard, progress := ctrl.Live()
	evs := make([]api.LiveEvent, 0, len(progress))
	for _, p := range progress {
		evs = append(evs, api.LiveEvent{
			ID:          p.TaskID,
			TaskName:    p.TaskName,
			Status:      p.Status,
			ResultCount: p.ResultCount,
		})
	}
	return &api.LiveState{
		CurrentTurnIndex: turnIndex,
		Leaderboard:      leaderboard,
		Events:           evs,
	}, true
}
