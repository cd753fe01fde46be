// Package di wires every component of the trading core together. Grounded
// on internal/di/types.go + services.go's Container-struct approach:
// a single struct holding every constructed collaborator, built in
// dependency order by one InitializeServices-style function, so
// cmd/server/main.go stays a thin entrypoint.
package di

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cryptosentinel/internal/archive"
	"github.com/aristath/cryptosentinel/internal/clients/exchange"
	"github.com/aristath/cryptosentinel/internal/clients/llmoracle"
	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/database"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/funds"
	"github.com/aristath/cryptosentinel/internal/instruments"
	"github.com/aristath/cryptosentinel/internal/marketdata"
	"github.com/aristath/cryptosentinel/internal/orders"
	"github.com/aristath/cryptosentinel/internal/pipeline"
	"github.com/aristath/cryptosentinel/internal/reflection"
	"github.com/aristath/cryptosentinel/internal/risk"
	"github.com/aristath/cryptosentinel/internal/scheduler"
	"github.com/aristath/cryptosentinel/internal/server"
	"github.com/aristath/cryptosentinel/internal/store"
)

// Container holds every constructed collaborator of the trading core.
type Container struct {
	Config *config.Config
	DB     *database.DB
	log    zerolog.Logger

	ExchangeClient *exchange.Client
	LLMClient      *llmoracle.Client

	Instruments *instruments.Registry
	Funds       *funds.Scheduler
	Risk        *risk.Validator
	Orders      *orders.Submitter
	Reflection  *reflection.Store
	MarketData  *marketdata.Provider
	Decisions   *store.DecisionRepository
	CoinConfig  *store.CoinConfigRepository

	Events   *events.Manager
	Pipeline *pipeline.Pipeline

	DecisionScheduler   *scheduler.DecisionScheduler
	ReflectionScheduler *scheduler.ReflectionScheduler
	Archive             *archive.Uploader

	Server *server.Server
}

// Build constructs every collaborator in dependency order: clients, then
// core business-logic components, then the pipeline, then the two
// schedulers and the ambient HTTP/archive surfaces.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(cfg.DataDir+"/core.db", "core")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, err
	}

	clk := clock.System{}

	exchangeClient := exchange.New(exchange.Config{
		APIKey:     cfg.ExchangeAPIKey,
		Secret:     cfg.ExchangeSecret,
		Passphrase: cfg.ExchangePassphrase,
		Sandbox:    cfg.ExchangeSandbox,
	}, log)

	llmClient := llmoracle.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, log)

	instrumentRegistry := instruments.New(exchangeClient, db.Conn(), clk, log)
	fundScheduler := funds.New(exchangeAccountAdapter{exchangeClient}, clk, log)
	riskValidator := risk.New(log)
	orderSubmitter := orders.New(exchangeClient, log)
	reflectionStore := reflection.New(db.Conn(), clk, log)
	marketDataProvider := marketdata.New(log)
	decisionRepo := store.NewDecisionRepository(db.Conn(), log)
	coinConfigRepo := store.NewCoinConfigRepository(db.Conn(), log)

	eventManager := events.NewManager(log)

	pipe := pipeline.New(
		exchangeClient,
		instrumentRegistry,
		fundScheduler,
		riskValidator,
		orderSubmitter,
		reflectionStore,
		decisionRepo,
		marketDataProvider,
		llmClient,
		clk,
		eventManager,
		log,
	)

	resolveSymbol := func(short string) domain.Symbol {
		return domain.Symbol{Short: short, Instrument: short + "-USDT-SWAP"}
	}

	decisionScheduler := scheduler.NewDecisionScheduler(
		pipelineAdapter{pipe},
		fundScheduler,
		exchangeClient,
		coinConfigRepo,
		resolveSymbol,
		clk,
		eventManager,
		cfg.SchedulerInterval,
		cfg.SchedulerInitialDelay,
		cfg.AutoExecute,
		log,
	)

	reconcile := func(positions []domain.Position) (int, error) {
		return reflectionStore.AutoUpdateOrphans(positions, reflection.NewExchangeLookup(exchangeClient))
	}
	reflectionScheduler := scheduler.NewReflectionScheduler(
		reconcile,
		exchangeClient,
		eventManager,
		cfg.ReflectionInterval,
		cfg.ReflectionInitialDelay,
		log,
	)

	statusServer := server.New(server.Config{
		Port:      8090,
		Log:       log,
		Funds:     fundScheduler,
		Decisions: decisionRepo,
		StartedAt: clk.Now(),
	})

	var uploader *archive.Uploader
	if cfg.ArchiveBucket != "" {
		u, err := archive.New(ctx, archive.Config{
			Bucket:    cfg.ArchiveBucket,
			Prefix:    "reflections/",
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
		}, reflectionStore, log)
		if err != nil {
			log.Warn().Err(err).Msg("archive uploader disabled: failed to initialize")
		} else {
			uploader = u
		}
	}

	return &Container{
		Config:              cfg,
		DB:                  db,
		log:                 log,
		ExchangeClient:      exchangeClient,
		LLMClient:           llmClient,
		Instruments:         instrumentRegistry,
		Funds:               fundScheduler,
		Risk:                riskValidator,
		Orders:              orderSubmitter,
		Reflection:          reflectionStore,
		MarketData:          marketDataProvider,
		Decisions:           decisionRepo,
		CoinConfig:          coinConfigRepo,
		Events:              eventManager,
		Pipeline:            pipe,
		DecisionScheduler:   decisionScheduler,
		ReflectionScheduler: reflectionScheduler,
		Archive:             uploader,
		Server:              statusServer,
	}, nil
}

// Start launches both schedulers, the archive uploader (if configured), and
// the status server's listener in the background.
func (c *Container) Start() {
	if c.Config.SchedulerEnabled {
		c.DecisionScheduler.Start()
	}
	if c.Config.ReflectionEnabled {
		c.ReflectionScheduler.Start()
	}
	if c.Archive != nil {
		if err := c.Archive.Start(""); err != nil {
			c.log.Error().Err(err).Msg("failed to start archive uploader")
		}
	}
	go func() {
		if err := c.Server.Start(); err != nil {
			c.log.Error().Err(err).Msg("status server stopped")
		}
	}()
}

// Shutdown stops every background loop and closes the exchange client and
// database connection, in reverse dependency order.
func (c *Container) Shutdown(ctx context.Context) {
	c.DecisionScheduler.Stop()
	c.ReflectionScheduler.Stop()
	if c.Archive != nil {
		c.Archive.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = c.Server.Shutdown(shutdownCtx)
	c.ExchangeClient.Close()
	_ = c.DB.Close()
}

// exchangeAccountAdapter adapts exchange.Client.GetBalance's domain.Account
// shape to the (totalEquity, availableBalance, error) triple
// funds.Scheduler.Exchange expects.
type exchangeAccountAdapter struct {
	client *exchange.Client
}

func (a exchangeAccountAdapter) GetBalance() (float64, float64, error) {
	acct, err := a.client.GetBalance()
	if err != nil {
		return 0, 0, err
	}
	return acct.TotalEquity, acct.AvailableBalance, nil
}

// pipelineAdapter adapts *pipeline.Pipeline to scheduler.DecisionRunner
// (an identity adapter kept for interface-boundary clarity at the wiring root).
type pipelineAdapter struct {
	pipe *pipeline.Pipeline
}

func (a pipelineAdapter) Run(sym domain.Symbol, cycle domain.CycleContext, autoExecute bool) pipeline.Result {
	return a.pipe.Run(sym, cycle, autoExecute)
}
