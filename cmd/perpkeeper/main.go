package main

import (
	"PerpKeeper/internal/chain"
	"PerpKeeper/internal/config"
	"PerpKeeper/internal/core"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/ingestion"
	"PerpKeeper/internal/keeper"
	"PerpKeeper/internal/network"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/persistence"
	"PerpKeeper/internal/pyth"
	"PerpKeeper/internal/server"
	"PerpKeeper/internal/state"
	"PerpKeeper/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("PerpKeeper starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	// A cycle runs at most three steps, each bounded by StepTimeout.
	healthChecker := observability.NewHealthChecker(cfg.SubmitInterval + 3*cfg.StepTimeout)

	// --- State ---
	store := state.NewStore(
		state.BackoffPolicy{Base: cfg.ExecutionBackoff, MaxTries: cfg.ExecutionMaxTries},
		state.BackoffPolicy{Base: cfg.LiquidationBackoff, MaxTries: cfg.LiquidationMaxTries},
	)

	// --- Chain ---
	selector, err := network.NewSelector(cfg.RPCEndpoints, metrics, observability.NewLogger("network"))
	if err != nil {
		logger.Fatal().Err(err).Msg("endpoint selector")
	}

	chainClient, err := chain.NewClient(chain.Config{
		DataStore:  cfg.DataStore,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.ChainID,
	}, selector, observability.NewLogger("chain"))
	if err != nil {
		logger.Fatal().Err(err).Msg("chain client")
	}
	defer chainClient.Close()
	logger.Info().Str("keeper", chainClient.From().Hex()).Int("endpoints", selector.Len()).Msg("chain client ready")

	hermes := pyth.NewHermesClient(cfg.HermesURL, cfg.HermesTimeout, observability.NewLogger("hermes"))

	// --- Core: gate + trigger engine on one ingestion goroutine ---
	engine := core.NewEngine(store, metrics, observability.NewLogger("engine"))
	gate := core.NewGate(store, engine, metrics, observability.NewLogger("gate")).WithWindow(cfg.RefreshWindow)
	ticks := make(chan ingestion.PriceTick, cfg.PriceChanSize)

	// --- Initial load ---
	pollCfg := ingestion.DefaultPollConfig()
	pollCfg.MarketOrders = cfg.PollMarketOrders
	pollCfg.TriggerOrders = cfg.PollTriggerOrders
	pollCfg.Positions = cfg.PollPositions
	pollCfg.Markets = cfg.PollMarkets
	pollCfg.FundingTrackers = cfg.PollFundingTrackers
	pollCfg.BootstrapTries = cfg.RetryTries
	pollCfg.BootstrapDelay = cfg.RetryDelay
	pollCfg.StableAsset = cfg.StableAsset
	poller := ingestion.NewPoller(chainClient, store, selector, pollCfg, metrics, observability.NewLogger("poller"))

	if outcome, err := poller.Bootstrap(ctx); err != nil {
		// Pollers keep retrying on their own cadence.
		logger.Error().Err(err).Stringer("outcome", outcome).Msg("initial load incomplete")
	} else {
		logger.Info().Int("markets", len(store.Markets())).Int("positions", len(store.AllPositions())).Msg("initial load complete")
	}

	// --- Audit log (optional) ---
	var (
		db         *sql.DB
		auditChan  chan *event.Submission
		auditAdmin *persistence.AuditWriter
	)
	if cfg.PostgresEnabled {
		db, err = openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer db.Close()

		if err := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrate")).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		auditChan = make(chan *event.Submission, cfg.AuditChanSize)
		auditAdmin = persistence.NewAuditWriter(db)
		logger.Info().Msg("audit log enabled")
	}

	// --- NATS (optional) ---
	var (
		natsSubscriber *ingestion.NATSSubscriber
		js             jetstream.JetStream
		publishChan    chan *event.Submission
	)
	if cfg.NATSEnabled {
		nc, jsCtx, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		js = jsCtx

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		natsSubscriber = ingestion.NewNATSSubscriber(js, ticks, cfg.NATSConsumer, observability.NewLogger("nats"))
		if err := natsSubscriber.Subscribe(ctx); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		publishChan = make(chan *event.Submission, cfg.PublishChanSize)
	}

	// --- Pipeline ---
	pipeCfg := keeper.DefaultConfig()
	pipeCfg.Interval = cfg.SubmitInterval
	pipeCfg.StepTimeout = cfg.StepTimeout
	pipeCfg.UPLInterval = cfg.UPLInterval
	pipeCfg.UPLMaxFailures = cfg.UPLMaxFailures
	pipeCfg.ExecutionRetention = cfg.ExecutionRetention
	pipeCfg.LiquidationRetention = cfg.LiquidationRetention
	pipeCfg.StableAsset = cfg.StableAsset

	pipeline := keeper.NewPipeline(pipeCfg, store, chainClient, hermes, selector, metrics, observability.NewLogger("pipeline")).
		WithHealth(healthChecker)
	if auditChan != nil {
		pipeline.WithAudit(auditChan)
	}
	if publishChan != nil {
		pipeline.WithPublisher(publishChan)
	}

	// --- Price stream ---
	streamCfg := pyth.DefaultStreamConfig()
	streamCfg.URL = cfg.HermesWSURL
	streamCfg.AnchorMarket = cfg.AnchorMarket
	streamCfg.Reinit = cfg.StreamReinit
	streamCfg.DefaultMaxAge = cfg.PriceMaxAge
	streamer := pyth.NewStreamer(streamCfg, store, ticks, metrics, observability.NewLogger("stream"))

	// --- Admin surface ---
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Store:         store,
		Selector:      selector,
		Injector:      ingestion.NewPriceInjector(ticks),
		Audit:         auditAdmin,
		HealthChecker: healthChecker,
		StartTime:     time.Now(),
	}, observability.NewLogger("server"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	report := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}

	// Sinks outlive ctx: they stop when their channel is closed after the
	// pipeline has finished its last cycle.
	var sinks sync.WaitGroup
	if auditChan != nil {
		worker := persistence.NewAuditWorker(db, auditChan, cfg.AuditBatchSize, cfg.AuditFlushTimeout, metrics, observability.NewLogger("audit"))
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			report("audit worker", worker.Run(context.Background()))
		}()
	}
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			report("outbound publisher", publisher.Run(context.Background()))
		}()
	}

	// 1. Price ingestion loop (gate + engine)
	go func() {
		report("price loop", ingestion.RunPriceLoop(ctx, ticks, gate, observability.NewLogger("ingest")))
	}()

	// 2. Contract pollers
	go func() {
		report("poller", poller.Run(ctx))
	}()

	// 3. Price stream
	go func() {
		report("price stream", streamer.Run(ctx))
	}()

	// 4. Submission pipeline
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		report("pipeline", pipeline.Run(ctx))
	}()

	// 5. gRPC + HTTP admin
	go func() {
		report("grpc server", srv.StartGRPC(ctx))
	}()
	go func() {
		report("http server", srv.StartHTTP(ctx))
	}()

	// 6. Prometheus metrics
	go func() {
		report("metrics server", serveMetrics(ctx, cfg.MetricsAddr))
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpKeeper ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Stringer("signal", sig).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	cancel()

	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}

	select {
	case <-pipelineDone:
	case <-time.After(3*cfg.StepTimeout + 5*time.Second):
		logger.Warn().Msg("pipeline did not finish its cycle in time")
	}

	if auditChan != nil {
		close(auditChan)
	}
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		sinks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("audit/publish drain timed out")
	}

	logger.Info().Msg("PerpKeeper shutdown complete")
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
