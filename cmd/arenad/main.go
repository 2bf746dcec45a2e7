// Command arenad runs the arena game server: one process owns the
// authoritative world tick, the challenge/escrow/station pipelines, and
// the websocket gateway for both human and agent clients.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wildspark/arena-server/internal/bus"
	"github.com/wildspark/arena-server/internal/challenge"
	"github.com/wildspark/arena-server/internal/challengestore"
	"github.com/wildspark/arena-server/internal/config"
	"github.com/wildspark/arena-server/internal/escrow"
	"github.com/wildspark/arena-server/internal/gateway"
	"github.com/wildspark/arena-server/internal/metrics"
	"github.com/wildspark/arena-server/internal/presence"
	"github.com/wildspark/arena-server/internal/proximity"
	"github.com/wildspark/arena-server/internal/station"
	"github.com/wildspark/arena-server/internal/storage"
	"github.com/wildspark/arena-server/internal/sweeper"
	"github.com/wildspark/arena-server/internal/worldsim"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("arenad: invalid configuration")
	}
	log = log.With().Str("serverInstance", cfg.ServerInstance).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("arenad: invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("arenad: cannot reach redis")
		}
	}

	var presenceStore presence.Store
	var chStore challengestore.Store
	var msgBus bus.Bus
	if rdb != nil {
		presenceStore = presence.NewRedisStore(rdb)
		chStore = challengestore.NewRedisStore(rdb, cfg.ServerInstance)
		msgBus = bus.NewRedisBus(rdb, log.With().Str("component", "bus").Logger())
		log.Info().Msg("arenad: distributed mode (redis-backed presence/challengestore/bus)")
	} else {
		presenceStore = presence.NewMemoryStore()
		chStore = challengestore.NewMemoryStore(cfg.ServerInstance)
		msgBus = bus.NewLocalBus()
		log.Info().Msg("arenad: single-node mode (in-process presence/challengestore/bus)")
	}
	defer msgBus.Close()

	var store *storage.Store
	if cfg.DatabaseURL != "" {
		store, err = storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("arenad: cannot connect to postgres")
		}
		defer store.Close()
	} else {
		log.Warn().Msg("arenad: DATABASE_URL unset, running without durable persistence")
	}

	world := worldsim.New(worldsim.Config{
		WorldBound:      cfg.WorldBound,
		MaxSpeed:        cfg.MaxSpeed,
		Accel:           cfg.Accel,
		Drag:            cfg.Drag,
		CollisionRadius: cfg.CollisionRadius,
	}, log.With().Str("component", "worldsim").Logger())

	proximityDetector := proximity.New(cfg.ProximityThreshold)

	challenges := challenge.New(challenge.Config{
		PendingTimeout: cfg.ChallengePendingTimeout,
		ActiveResolve:  cfg.ChallengeActiveResolve,
		IDPrefix:       cfg.ServerInstance,
	})

	wallets := gateway.NewWalletResolver()

	var runtime escrow.Runtime
	switch cfg.EscrowMode {
	case config.EscrowModeOnchain:
		// No on-chain SDK is present in the dependency set this server was
		// built against; onchain mode falls back to the same HTTP runtime
		// contract pointed at the chain-adapter sidecar (see DESIGN.md).
		runtime = escrow.NewHTTPRuntime(cfg.AgentRuntimeURL, cfg.InternalToken)
	default:
		runtime = escrow.NewHTTPRuntime(cfg.AgentRuntimeURL, cfg.InternalToken)
	}
	escrowOrchestrator := escrow.New(runtime, wallets, 250) // 2.5% house fee

	var scripts *station.ScriptHost
	if cfg.StationPluginRouterEnabled {
		scripts = station.NewScriptHost("stations")
	}
	stations := station.New(defaultStations(cfg), world, challenges, escrowOrchestrator, scripts)

	reg := metrics.New()

	srv := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Log:        log.With().Str("component", "gateway").Logger(),
		World:      world,
		Proximity:  proximityDetector,
		Challenges: challenges,
		ChStore:    chStore,
		Presence:   presenceStore,
		Bus:        msgBus,
		Escrow:     escrowOrchestrator,
		Stations:   stations,
		Metrics:    reg,
		Storage:    store,
		Wallets:    wallets,
	})

	sweep := sweeper.New(presenceStore, chStore, msgBus, cfg.ChallengeOrphanGrace, log.With().Str("component", "sweeper").Logger())

	go srv.RunTickLoop(ctx)
	go srv.RunEventWorker(ctx)
	go sweep.Run(ctx)
	go heartbeatPresence(ctx, presenceStore, cfg, log)

	mux := http.NewServeMux()
	srv.Routes(mux)

	httpServer := &http.Server{
		Addr:    ":" + itoa(cfg.ServerPort),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("arenad: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("arenad: http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("arenad: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// heartbeatPresence keeps this node registered as live in the distributed
// presence store, the signal the sweeper uses to decide which challenges
// are truly orphaned.
func heartbeatPresence(ctx context.Context, store presence.Store, cfg *config.Config, log zerolog.Logger) {
	interval := cfg.PresenceTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := store.HeartbeatServer(ctx, cfg.ServerInstance, cfg.PresenceTTL); err != nil {
			log.Warn().Err(err).Msg("arenad: failed to heartbeat server presence")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// defaultStations seeds the built-in dealer coinflip/dice-duel stations.
// A real deployment would load this list from a world/map file; this
// server starts from a fixed arrangement sufficient to exercise the full
// station router.
func defaultStations(cfg *config.Config) []station.Definition {
	defs := []station.Definition{
		{ID: "coinflip_dealer_1", Kind: station.KindDealerCoinflip, X: 20, Z: 0, Radius: cfg.StationProximityThreshold},
		{ID: "lounge_jukebox", Kind: station.KindInteractable, X: -20, Z: 0, Radius: cfg.StationProximityThreshold, Script: "jukebox.lua"},
	}
	if cfg.DiceDuelEnabled {
		defs = append(defs, station.Definition{ID: "dice_duel_dealer_1", Kind: station.KindDealerDiceDuel, X: 0, Z: 20, Radius: cfg.StationProximityThreshold})
	}
	return defs
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
