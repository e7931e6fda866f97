// Command server is the sync server's process entrypoint: it loads
// configuration, wires storage/cache/bus/auth, and starts the HTTP/WS
// listener, then waits for a shutdown signal and drains cleanly.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/cache"
	"github.com/matthewcorven/synckit-sub003/internal/clock"
	"github.com/matthewcorven/synckit-sub003/internal/config"
	"github.com/matthewcorven/synckit-sub003/internal/dispatcher"
	"github.com/matthewcorven/synckit-sub003/internal/docsync"
	"github.com/matthewcorven/synckit-sub003/internal/docsync/store"
	"github.com/matthewcorven/synckit-sub003/internal/fanout"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/registry"
	"github.com/matthewcorven/synckit-sub003/internal/server"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Msg("connecting to database")
	pg, err := store.NewPostgres(store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pg.Close()

	if err := pg.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate document store")
	}

	apiKeys := auth.NewPostgresAPIKeyStore(pg.DB())
	if err := apiKeys.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate api key store")
	}

	log.Info().Bool("enabled", cfg.RedisEnabled).Msg("initializing redis cache")
	redisCache, err := cache.New(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unreachable, continuing with cache disabled")
		redisCache, _ = cache.New(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	sessions := auth.NewSessionStore(redisCache)

	if cfg.JWTSecretKey == "" {
		log.Warn().Msg("JWT_SECRET_KEY is not set; bearer-token authentication will reject every token")
	}
	jwtValidator := auth.NewJWTValidator(auth.JWTConfig{
		SecretKey: cfg.JWTSecretKey,
		Issuer:    cfg.JWTIssuer,
	}, sessions)
	apiKeyValidator := auth.NewAPIKeyValidator(apiKeys)
	chain := auth.Chain{JWT: jwtValidator, APIKeys: apiKeyValidator}
	guard := auth.NewGuard(chain, cfg.AuthRequired)

	log.Info().Str("url", cfg.NATSUrl).Msg("connecting to nats")
	natsBus, err := bus.NewNATSBus(bus.NATSConfig{URL: cfg.NATSUrl})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize nats bus")
	}
	defer natsBus.Close()

	// Awareness churns far more than document deltas and tolerates loss,
	// so it rides the cache's own Redis pool instead of a second NATS
	// subscription set.
	var awarenessBus bus.Bus = bus.NewRedisBus(redisCache.Client())

	reg := registry.New(cfg.MaxConnections)
	clk := clock.System{}

	// Manager and Store each need a Publisher, but the only Publisher
	// implementation (Fanout) needs both of them to replay remote
	// updates. Build the pair with a nil publisher, build Fanout from
	// them, then wire it back in before any coordinator loads.
	docs := docsync.NewManager(docsync.Config{
		QueueDepth:    cfg.CoordinatorQueueDepth,
		IdleUnload:    cfg.CoordinatorIdleUnload,
		RetryBase:     cfg.StoreRetryBaseDelay,
		RetryMax:      cfg.StoreRetryMaxDelay,
		RetryAttempts: cfg.StoreRetryMaxAttempts,
	}, pg, reg, nil, clk)
	presence := awareness.New(cfg.AwarenessTimeout, clk, nil)

	fo := fanout.New(multiBus{doc: natsBus, awareness: awarenessBus}, cfg.BusChannelPrefix, cfg.NodeID, docs, presence)
	docs.SetPublisher(fo)
	presence.SetPublisher(fo)

	dispatch := dispatcher.New(reg, guard, docs, presence, fo, clk)
	srv := server.New(cfg, reg, docs, presence, dispatch)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go srv.RunAwarenessSweep(sweepCtx, cfg.AwarenessSweepInterval)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("http server exited with error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownTimeout := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("shutdown complete")
}

// multiBus routes document channels to NATS and awareness channels to
// Redis, based on the channel name's prefix. Both internal/bus transports
// already degrade to a no-op when unconfigured, so this never needs its
// own fallback.
type multiBus struct {
	doc       bus.Bus
	awareness bus.Bus
}

func (m multiBus) Publish(ctx context.Context, channel string, env bus.Envelope) error {
	return m.pick(channel).Publish(ctx, channel, env)
}

func (m multiBus) Subscribe(ctx context.Context, channel string, handler func(bus.Envelope)) (bus.Unsubscribe, error) {
	return m.pick(channel).Subscribe(ctx, channel, handler)
}

func (m multiBus) pick(channel string) bus.Bus {
	if isAwarenessChannel(channel) {
		return m.awareness
	}
	return m.doc
}

func isAwarenessChannel(channel string) bool {
	const marker = ".awareness."
	for i := 0; i+len(marker) <= len(channel); i++ {
		if channel[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
