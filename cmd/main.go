package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-broadcast/broadcast"
	"dag-broadcast/config"
	"dag-broadcast/dag"
	"dag-broadcast/db"
	"dag-broadcast/fetcher"
	"dag-broadcast/handlers"
	"dag-broadcast/health"
	"dag-broadcast/logger"
	"dag-broadcast/metrics"
	"dag-broadcast/models"
	"dag-broadcast/orderrule"
	"dag-broadcast/repository"
	"dag-broadcast/routers"
	"dag-broadcast/validator"
)

const (
	gcInterval      = time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "dag-broadcast",
		Short:         "Runs the DAG reliable-broadcast engine of a validator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/config.yaml", "path of the YAML config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting DAG broadcast server...",
		zap.Uint64("epoch", cfg.DAG.Epoch),
		zap.String("author", cfg.Validator.Author))

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		return fmt.Errorf("failed to open leveldb: %w", err)
	}
	defer ldb.Close()
	repo := repository.NewNodeRepository(ldb)

	epochState, err := validator.LoadEpochState(cfg.DAG.Epoch, cfg.Validators)
	if err != nil {
		return err
	}
	signer, err := validator.LoadSigner(cfg.Validator)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// The consumer must run before the store replays rehydrated nodes into it
	sink := orderrule.NewChannelSink(cfg.OrderRule.QueueSize, m)
	g.Go(func() error {
		sink.Run(ctx, func(node *models.CertifiedNode) {
			logger.Logger.Debug("Node ready for ordering", zap.String("node", node.ID().String()))
		})
		return nil
	})

	store, err := dag.NewStore(epochState, repo, dag.NopPayloadManager{}, sink, cfg.DAG.StartRound, cfg.DAG.Window)
	if err != nil {
		stop()
		g.Wait()
		return err
	}

	chain, pipeline := healthPolicies(cfg.Health, store, sink)

	requester, err := fetcher.NewChannelRequester(cfg.Fetcher.QueueSize, cfg.Fetcher.DedupSize, cfg.Fetcher.DedupInterval, m)
	if err != nil {
		stop()
		g.Wait()
		return err
	}
	g.Go(func() error {
		drainFetchRequests(ctx, requester)
		return nil
	})

	b, err := broadcast.NewHandler(broadcast.Params{
		Store:       store,
		EpochState:  epochState,
		Signer:      signer,
		Storage:     repo,
		Fetcher:     requester,
		ChainHealth: chain,
		Pipeline:    pipeline,
		Policy: broadcast.PayloadPolicy{
			Payload:      cfg.Payload,
			ValidatorTxn: cfg.ValidatorTxn,
			Randomness:   cfg.Randomness,
			JWKConsensus: cfg.JWKConsensus,
		},
		Metrics: m,
	})
	if err != nil {
		stop()
		g.Wait()
		return err
	}
	g.Go(func() error {
		collectVotes(ctx, b, store)
		return nil
	})

	r := mux.NewRouter()
	routers.RegisterRoutes(r, handlers.NewHandler(b, store, chain, pipeline), reg)

	// HTTP Server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Error("Server stopped", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Logger.Info("Shutdown signal received, exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func healthPolicies(cfg config.HealthConfig, store *dag.Store, sink *orderrule.ChannelSink) (health.ChainHealth, health.PipelineBackpressure) {
	if cfg.Policy != "backoff" {
		return health.NoChainHealth{}, health.NoPipelineBackpressure{}
	}
	return health.NewChainHealthBackoff(store, cfg.ChainWindow, cfg.MinParticipation, cfg.ChainBackoff),
		health.NewPipelineLatencyBackoff(sink, cfg.PipelineSoftLimit, cfg.PipelineHardLimit, cfg.PipelineBackoff)
}

// drainFetchRequests logs fetch intents; peer transport is outside this process
func drainFetchRequests(ctx context.Context, requester *fetcher.ChannelRequester) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requester.Requests():
			logger.Logger.Info("Fetch requested",
				zap.String("kind", string(req.Kind)),
				zap.String("target", req.Target.ID().String()),
				zap.Int("missing", len(req.Missing)))
		}
	}
}

// collectVotes keeps the vote index in step with the DAG window. Each tick
// calls GCBeforeRound so a failed delete is retried even when the window
// has not moved.
func collectVotes(ctx context.Context, b *broadcast.Handler, store *dag.Store) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.GCBeforeRound(store.LowestRound()); err != nil {
				logger.Logger.Error("Failed to garbage collect votes", zap.Error(err))
			}
		}
	}
}
