// Command dexarb runs the opportunity detection engine: it wires
// RpcPool -> PairCache -> Detector -> Qualifier -> RiskGate ->
// Orchestrator, then builds the PriceFeed and hands it to the
// Orchestrator with SetFeed, attaches a storage backend
// and the paper simulator, then serves the read API until signaled to
// shut down. Flag/config layering follows the teacher's flag-driven
// main.go in the reference corpus, generalized to cobra+viper per
// poaiw-blockchain-paw's root-command convention, and the startup
// wiring order follows ChoSanghyuk-blackholedex's cmd/main.go.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dexarb/internal/api"
	"dexarb/internal/chain"
	"dexarb/internal/config"
	"dexarb/internal/detector"
	"dexarb/internal/logger"
	"dexarb/internal/orchestrator"
	"dexarb/internal/paircache"
	"dexarb/internal/pricefeed"
	"dexarb/internal/qualifier"
	"dexarb/internal/rpcpool"
	"dexarb/internal/sim"
	"dexarb/internal/store"
	"dexarb/internal/store/gormstore"
	"dexarb/internal/store/sqlstore"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error("MAIN", err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dexarb",
		Short:         "DEX arbitrage opportunity detection engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().String("config", "dexarb.yaml", "path to the YAML configuration file")
	cmd.Flags().String("env", ".env", "path to a .env overlay file (optional)")
	_ = viper.BindPFlag("config", cmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("env", cmd.Flags().Lookup("env"))
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logger.Banner(version)

	yamlPath := viper.GetString("config")
	if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
		yamlPath = "" // run on defaults, matching config.Load's "" == skip-file contract
	}
	envPath := viper.GetString("env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = ""
	}

	cfg, err := config.Load(yamlPath, envPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	tokens, err := buildTokens(cfg)
	if err != nil {
		return err
	}
	chainVenues, detectorVenues, err := buildVenues(cfg)
	if err != nil {
		return err
	}

	logger.Info("MAIN", "starting: rpcpool -> paircache -> pricefeed")
	pool, err := rpcpool.New(rpcpool.Config{
		Endpoints:         cfg.RpcPoolEndpoints(),
		FailoverThreshold: cfg.FailoverThreshold,
		CooldownPeriod:    cfg.CooldownPeriod,
	})
	if err != nil {
		return fmt.Errorf("rpcpool: %w", err)
	}

	cache := paircache.New(paircache.Config{
		Resolver:     newFactoryResolver(pool, chainVenues),
		PairTTL:      cfg.CacheTTL,
		MaxBlockSkew: cfg.MaxBlockSkew,
	})

	resolveCtx, cancelResolve := context.WithTimeout(context.Background(), 30*time.Second)
	resolved, err := resolvePairs(resolveCtx, cfg, tokens, cache)
	cancelResolve()
	if err != nil {
		return fmt.Errorf("resolving monitored pairs: %w", err)
	}
	cycles, err := buildCycles(cfg, tokens)
	if err != nil {
		return err
	}

	det := detector.New(buildDetectorConfig(cfg, cache, detectorVenues, resolved.detect, cycles))
	qual := qualifier.New(buildQualifierConfig(cfg))
	riskCfg, err := buildRiskGateConfig(cfg)
	if err != nil {
		return err
	}

	portfolio := chain.NewPortfolioState(big.NewInt(cfg.StartingCapital), time.Now())

	dataStore, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	simulator := sim.New(sim.Config{Portfolio: portfolio, SlippageBps: cfg.SlippageBps})

	orch := orchestrator.New(orchestrator.Config{
		Pool:                     pool,
		Cache:                    cache,
		Detector:                 det,
		Qualifier:                qual,
		Portfolio:                portfolio,
		RiskGate:                 riskCfg,
		Venues:                   detectorVenues,
		NativeToQuotePrice:       cfg.NativeToQuotePrice,
		CacheTTL:                 cfg.CacheTTL,
		MaxBlockSkew:             cfg.MaxBlockSkew,
		ScanInterval:             cfg.ScanInterval,
		MaxOpportunitiesPerBlock: cfg.MaxOpportunitiesPerBlock,
		MaxGasPriceWei:           big.NewInt(cfg.MaxGasPrice),
		ShutdownGrace:            cfg.ShutdownGrace,
		MinLiquidityQuote:        big.NewInt(cfg.MinLiquidityQuote),
		Store:                    dataStore,
		Simulator:                simulator,
	})
	feed := pricefeed.New(pricefeed.Config{
		Pool:         pool,
		Cache:        cache,
		BatchSize:    cfg.BatchSize,
		StaggerDelay: cfg.StaggerDelay,
		CacheTTL:     cfg.CacheTTL,
		MaxBlockSkew: cfg.MaxBlockSkew,
		OnRefreshed:  orch.OnBlockRefreshed,
	}, resolved.feed)
	orch.SetFeed(feed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	apiServer := api.New(dataStore, dataStore, orch, pool, cfg)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Handler()}

	go func() {
		logger.Info("API", fmt.Sprintf("listening on %s", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API", fmt.Sprintf("failed: %v", err))
		}
	}()

	<-ctx.Done()
	logger.Info("MAIN", "shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API", fmt.Sprintf("shutdown error: %v", err))
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("MAIN", fmt.Sprintf("orchestrator stop error: %v", err))
	}
	logger.Info("MAIN", "stopped")
	return nil
}

// openStore constructs the configured persistence backend and returns
// a close func that is always safe to call, even on a construction
// error path (it will be a no-op then).
func openStore(cfg *config.Config) (interface {
	store.Store
	api.StatisticsSource
}, func(), error) {
	switch cfg.StoreDriver {
	case "mysql":
		s, err := gormstore.Open(cfg.MySQLDSN)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := sqlstore.Open(cfg.DBPath)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}
