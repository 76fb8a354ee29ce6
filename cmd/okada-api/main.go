// README: API entry point; wires config, stores, services, the HTTP
// server, and the background sweepers.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"okada/internal/config"
	"okada/internal/eventbus"
	"okada/internal/fare"
	"okada/internal/geo"
	okadahttp "okada/internal/http"
	"okada/internal/infra"
	"okada/internal/logging"
	"okada/internal/modules/dispatch"
	"okada/internal/modules/loyalty"
	"okada/internal/modules/referral"
	"okada/internal/modules/settlement"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
	"okada/internal/store/memory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("OKADA_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatal("firebase init", zap.Error(err))
	}

	hub := eventbus.NewHub(log)
	bus := eventbus.Fanout{hub}

	var (
		dispatchStore   dispatch.Store
		tripStore       trip.Store
		walletStore     wallet.Store
		loyaltyStore    loyalty.Store
		referralStore   referral.Store
		settlementStore settlement.Store
		index           geo.Index
	)
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal("postgres init", zap.Error(err))
		}
		defer pool.Close()
		dispatchStore = dispatch.NewPGStore(pool)
		tripStore = trip.NewPGStore(pool)
		walletStore = wallet.NewPGStore(pool)
		loyaltyStore = loyalty.NewPGStore(pool)
		referralStore = referral.NewPGStore(pool)
		settlementStore = settlement.NewPGStore(pool)

		redisClient := infra.NewRedis(cfg.Redis.Addr)
		defer func() { _ = redisClient.Close() }()
		index = geo.NewRedisIndex(redisClient)

		kafkaBus := eventbus.NewKafkaBus(infra.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventTopic), log)
		defer func() { _ = kafkaBus.Close() }()
		bus = append(bus, kafkaBus)
	} else {
		// Local development mode: everything in process, nothing durable.
		log.Warn("OKADA_DB_DSN not set; running on in-memory stores")
		mem := memory.New()
		dispatchStore = mem
		tripStore = mem
		walletStore = mem
		loyaltyStore = mem.Loyalty()
		referralStore = mem.Referrals()
		settlementStore = mem
		index = geo.NewMemoryIndex()
	}

	timers := dispatch.NewTimers()
	wallets := wallet.NewService(walletStore, log)
	loyaltySvc := loyalty.NewService(loyaltyStore, &cfg, bus, log)
	referrals := referral.NewService(referralStore, wallets, &cfg, bus, log)
	trips := trip.NewService(tripStore, index, bus, log)

	var routes fare.RouteEstimator = fare.StaticRoutes{}
	if cfg.Maps.APIKey != "" {
		routes, err = fare.NewGoogleRoutes(cfg.Maps.APIKey)
		if err != nil {
			log.Fatal("maps init", zap.Error(err))
		}
	}
	quoter := fare.NewCalculator(routes, log)

	coordinator := dispatch.NewCoordinator(dispatchStore, index, loyaltySvc, quoter, bus, timers, &cfg, log)
	arbiter := dispatch.NewArbiter(dispatchStore, trips, index, bus, timers, &cfg, log)
	engine := settlement.NewEngine(settlementStore, index, bus, referrals, &cfg, log)

	router := okadahttp.NewRouter(okadahttp.RouterDeps{
		Log:         log,
		Verifier:    verifier,
		Coordinator: coordinator,
		Arbiter:     arbiter,
		Trips:       trips,
		Settlement:  engine,
		Wallets:     wallets,
		Loyalty:     loyaltySvc,
		Referrals:   referrals,
		GeoIndex:    index,
		Hub:         hub,
	})
	server := okadahttp.NewServer(cfg.HTTP.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return coordinator.RunSweeper(gctx) })
	g.Go(func() error { return loyaltySvc.RunExpirySweeper(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("exited", zap.Error(err))
	}
	log.Info("shutdown complete")
}
