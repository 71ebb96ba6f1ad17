package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ledger-project/chain"
	"ledger-project/channel"
	"ledger-project/config"
	"ledger-project/contract"
	"ledger-project/db"
	"ledger-project/errs"
	"ledger-project/handlers"
	"ledger-project/logger"
	"ledger-project/notify"
	"ledger-project/repository"
	"ledger-project/routers"
	"ledger-project/signer"
	"ledger-project/watchtower"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting ledger node...")

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		logger.Logger.Error("Failed to open leveldb", zap.Error(err))
		return err
	}
	defer ldb.Close()

	blockRepo := repository.NewBlockRepository(ldb)
	contracts := contract.NewStore()
	verifier := signer.NewSecp256k1()

	c, err := chain.NewChain(
		chain.WithRepository(blockRepo),
		chain.WithContracts(contracts),
		chain.WithVerifier(verifier),
		chain.WithDifficulty(cfg.Chain.Difficulty),
		chain.WithBlockCapacity(cfg.Chain.BlockCapacity),
		chain.WithMiningReward(cfg.Chain.MiningReward),
		chain.WithRewardDecay(cfg.Chain.RewardDecay),
		chain.WithAllocations(cfg.Genesis.AllocationMap()),
	)
	if err != nil {
		logger.Logger.Error("Failed to load chain", zap.Error(err))
		return err
	}

	clk := clock.New()
	channels := channel.NewRegistry(c, verifier,
		channel.WithClock(clk), channel.WithDisputeWindow(cfg.Channel.DisputeWindow))
	c.OnDropped(channels.EscrowDropped)
	towers := watchtower.NewDirectory(channels, newNotifier(cfg.Notify.SMTP))

	h := handlers.NewHandler(c, contracts, channels, towers, cfg.Chain.MinerAddress)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go towers.Run(ctx, clk, cfg.Watchtower.SweepInterval)
	if cfg.Chain.ProduceInterval > 0 {
		go produceLoop(ctx, c, clk, cfg.Chain.ProduceInterval, cfg.Chain.MinerAddress)
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port",
		zap.Int("port", cfg.Server.Port), zap.Uint64("height", c.Height()), zap.Int("difficulty", cfg.Chain.Difficulty))

	<-ctx.Done()
	logger.Logger.Info("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newNotifier(cfg config.SMTPConfig) notify.Notifier {
	if !cfg.Enabled {
		return notify.LogNotifier{}
	}
	return notify.Multi{
		notify.LogNotifier{},
		notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			To:       cfg.To,
		}),
	}
}

// produceLoop runs a block production cycle on every tick until ctx is done.
func produceLoop(ctx context.Context, c *chain.Chain, clk clock.Clock, interval time.Duration, miner string) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	logger.Logger.Info("Block production loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("Block production loop stopped")
			return
		case <-ticker.C:
			_, err := c.ProduceBlock(ctx, miner)
			switch {
			case err == nil:
			case errors.Is(err, chain.ErrEmptyPool):
			case errs.Is(err, errs.StateConflict):
				logger.Logger.Warn("Block production skipped", zap.Error(err))
			default:
				logger.Logger.Error("Block production failed", zap.Error(err))
			}
		}
	}
}
