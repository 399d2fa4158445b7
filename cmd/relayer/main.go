package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gopropbridge/EVMRPC"
	"gopropbridge/STXRPC"
	"gopropbridge/config"
	"gopropbridge/redis"
	"gopropbridge/relayer"
	"gopropbridge/workers"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the yaml config file")
	flag.Parse()

	// .env is optional, real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("cannot load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "propbridge").Logger().Level(level)

	log.Info().Msg("starting sBTC/OFTUSDC property bridge relayer")

	// without persistence do not continue
	store, err := redis.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to redis")
	}

	stacks := STXRPC.New(cfg, log)
	manager, err := EVMRPC.NewManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build custodial manager binding")
	}

	rate, err := decimal.NewFromString(cfg.Relayer.ExchangeRate)
	if err != nil {
		log.Fatal().Err(err).Str("rate", cfg.Relayer.ExchangeRate).Msg("cannot parse exchange rate")
	}

	clock := relayer.NewClock()
	rel := relayer.New(
		cfg, log,
		store, store, store,
		stacks, manager,
		relayer.FixedRate{Value: rate},
		clock,
		relayer.NewStacksObserver(cfg, stacks, log),
		relayer.NewEVMObserver(cfg, manager, log),
	)

	if err := rel.Start(); err != nil {
		log.Fatal().Err(err).Msg("cannot start relayer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		cancel()
	}()

	if err := workers.ServeHTTP(ctx, cfg, log, rel); err != nil {
		log.Error().Err(err).Msg("HTTP service failed")
	}

	rel.Stop()
	log.Info().Msg("relayer exited")
}
