package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dripgate/internal/chain"
	"dripgate/internal/config"
	"dripgate/internal/disburse"
	"dripgate/internal/engine"
	"dripgate/internal/events"
	"dripgate/internal/ledger"
	"dripgate/internal/logger"
	"dripgate/internal/policy"
	"dripgate/internal/server"
	"dripgate/internal/whitelist"
)

// devPrivateKey is a well-known local development key. It is used only
// when FAUCET_PRIVATE_KEY is unset, together with an in-memory fake chain.
const devPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func main() {
	logger.Init("info")
	cfg, err := config.Load()
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("config error")
	}
	logger.Init(cfg.LogLevel)
	log := logger.Component("main")

	ctx := context.Background()

	var store ledger.Store
	var ledgerHealth func(context.Context) error
	if cfg.Database.URL != "" {
		pg, err := ledger.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres ledger error")
		}
		defer pg.Close()
		store = pg
		ledgerHealth = pg.Ping
		log.Info().Msg("using postgres claim ledger")
	} else {
		fs, err := ledger.NewFileStore(cfg.Service.LedgerPath)
		if err != nil {
			log.Fatal().Err(err).Msg("file ledger error")
		}
		store = fs
		log.Info().Str("path", cfg.Service.LedgerPath).Msg("using file claim ledger")
	}

	wl, err := whitelist.NewStore(cfg.Service.WhitelistPath, cfg.Faucet.MaxWallets)
	if err != nil {
		log.Fatal().Err(err).Msg("whitelist store error")
	}

	policyCfg, err := policy.NewConfigStore(cfg.Service.PolicyPath, policy.Config{
		AmountWei:        cfg.Faucet.AmountWei,
		Cooldown:         cfg.Faucet.Cooldown,
		MaxAddresses:     cfg.Faucet.MaxAddresses,
		ChainID:          cfg.Chain.ChainID,
		GasMarginPercent: cfg.Faucet.GasMarginPercent,
		FallbackGasLimit: cfg.Faucet.FallbackGasLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("policy store error")
	}

	var chainClient chain.Client
	var ethClient *chain.EthClient
	privateKey := cfg.Chain.PrivateKey
	if privateKey != "" {
		ethClient, err = chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:    cfg.Chain.RPCURL,
			Timeout:   cfg.Chain.RPCTimeout,
			RateLimit: cfg.Chain.RateLimit,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("chain client error")
		}
		chainClient = ethClient
	} else {
		log.Warn().Msg("FAUCET_PRIVATE_KEY unset, running against a fake chain")
		privateKey = devPrivateKey
		chainClient = chain.NewFakeClient()
	}

	executor, err := disburse.NewExecutor(chainClient, privateKey, logger.Component("disburse"))
	if err != nil {
		log.Fatal().Err(err).Msg("executor error")
	}
	log.Info().Str("sender", executor.Sender().Hex()).Msg("faucet wallet ready")

	var source policy.EligibilitySource = &policy.WhitelistSource{Store: wl}
	if cfg.Chain.Mode == config.ModeOracle {
		if ethClient == nil {
			log.Fatal().Msg("oracle eligibility mode requires a real chain client")
		}
		oracle, err := chain.NewAllowlistOracle(ethClient, cfg.Chain.OracleAddress, cfg.Chain.RPCTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("allowlist oracle error")
		}
		source = oracle
		log.Info().Str("contract", cfg.Chain.OracleAddress).Msg("using on-chain allowlist oracle")
	}

	var emitter events.Emitter = events.NopEmitter{}
	if cfg.Kafka.BrokerAddress != "" {
		kafkaEmitter := events.NewKafkaEmitter(cfg.Kafka.BrokerAddress, cfg.Kafka.Topic)
		defer kafkaEmitter.Close()
		emitter = kafkaEmitter
		log.Info().Str("topic", cfg.Kafka.Topic).Msg("claim events publishing to kafka")
	}

	coordinator := engine.New(engine.Options{
		Policy:        policy.NewEngine(policyCfg, store, source, logger.Component("policy")),
		Config:        policyCfg,
		Ledger:        store,
		Sender:        executor,
		Emitter:       emitter,
		JournalDir:    cfg.Service.JournalPath,
		AppendRetries: cfg.Service.AppendRetries,
		Logger:        logger.Component("engine"),
	})

	apiServer := server.NewServer(server.Options{
		Config:       cfg,
		Coordinator:  coordinator,
		PolicyConfig: policyCfg,
		Whitelist:    wl,
		Balance:      executor.Balance,
		RPCHealth:    chainClient.Ping,
		LedgerHealth: ledgerHealth,
		Logger:       logger.Component("server"),
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info().Err(err).Msg("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
