package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/tradegate/internal/audit"
	"github.com/sawpanic/tradegate/internal/budget"
	"github.com/sawpanic/tradegate/internal/config"
	"github.com/sawpanic/tradegate/internal/exchange"
	"github.com/sawpanic/tradegate/internal/execmode"
	"github.com/sawpanic/tradegate/internal/guards"
	"github.com/sawpanic/tradegate/internal/limits"
	"github.com/sawpanic/tradegate/internal/metrics"
	"github.com/sawpanic/tradegate/internal/ops"
	"github.com/sawpanic/tradegate/internal/pipeline"
	"github.com/sawpanic/tradegate/internal/position"
	"github.com/sawpanic/tradegate/internal/proposer"
	"github.com/sawpanic/tradegate/internal/quality"
	"github.com/sawpanic/tradegate/internal/risk"
	"github.com/sawpanic/tradegate/internal/scanner"
)

const (
	appName = "tradegate"
	version = "v1.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Trading decision gate and execution router",
		Version: version,
		Long: `tradegate sits between trigger detection and order execution: it meters
proposer calls, filters proposals through trend and quality gates, sizes
orders within exchange and account risk bounds, and routes them by
execution mode (LIVE, PAPER_ONLY, SHADOW).`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/tradegate.yaml", "Path to yaml configuration")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the decision pipeline",
		RunE:  runPipeline,
	}
	runCmd.Flags().Bool("paper", false, "Force PAPER_ONLY regardless of persisted mode")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newModeCmd())
	rootCmd.AddCommand(newPauseCmd(true))
	rootCmd.AddCommand(newPauseCmd(false))
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCloseAllCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.With().Str("app", appName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	var journal audit.Journal
	if cfg.Postgres.DSN != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres unreachable: %w", err)
		}
		defer db.Close()
		pg := audit.NewPostgresJournal(db, cfg.Postgres.Timeout)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		journal = pg
	} else {
		logger.Warn().Msg("no postgres dsn configured, audit journal is in-memory only")
		journal = audit.NewMemoryJournal()
	}
	recorder := audit.NewRecorder(journal, logger)

	modes, err := execmode.Load(ctx, execmode.NewRedisStore(rdb), logger)
	if err != nil {
		// Corrupt persisted mode: live routing is blocked. On a terminal the
		// operator can re-confirm right here; headless deployments confirm
		// through the ops API.
		logger.Error().Err(err).Msg("execution mode needs confirmation before live routing")
		if term.IsTerminal(int(os.Stdin.Fd())) {
			if err := confirmModeInteractive(ctx, modes); err != nil {
				return err
			}
		}
	}
	if forced, _ := cmd.Flags().GetBool("paper"); forced {
		if err := modes.SetMode(ctx, execmode.ModePaperOnly, "cli --paper"); err != nil {
			return err
		}
	}

	client := exchange.NewClient(exchange.ClientConfig{
		BaseURL:        cfg.Exchange.BaseURL,
		Timeout:        cfg.Exchange.Timeout,
		RatePerSecond:  cfg.Exchange.RatePerSecond,
		MaxRetries:     cfg.Exchange.MaxRetries,
		BackoffInitial: cfg.Exchange.BackoffInitial,
	}, logger)

	registry := limits.NewRegistry(client, cfg.Limits.RefreshInterval, cfg.Limits.StaleAfter, cfg.Limits.DefaultMaxLeverage, logger)
	if err := registry.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial asset limit refresh failed, sizing blocked until a refresh succeeds")
	}
	go registry.Run(ctx)

	classLimits := make(map[string]budget.ClassLimit, len(cfg.Budget.Classes))
	for class, cb := range cfg.Budget.Classes {
		classLimits[class] = budget.ClassLimit{DailyMax: cb.DailyMax, Cooldown: cb.Cooldown}
	}
	gate := budget.NewGate(ctx, classLimits, budget.NewRedisStore(rdb), cfg.Budget.ResetHourUTC, cfg.Budget.WarnThreshold, logger)

	breaker := risk.NewCircuitBreaker(cfg.Risk.MaxDailyDrawdownPct, logger)
	riskMgr := risk.NewManager(risk.Limits{
		GlobalMaxLeverage: cfg.Risk.GlobalMaxLeverage,
		MinNotional:       cfg.Risk.MinNotional,
	}, breaker, logger)

	paper := exchange.NewPaperBroker(10_000, logger)
	posMgr := position.NewManager(position.Config{
		BreakevenAtR:        cfg.Position.BreakevenAtR,
		PartialAtR:          cfg.Position.PartialAtR,
		PartialFraction:     cfg.Position.PartialFraction,
		TrailingFromR:       cfg.Position.TrailingFromR,
		DefensiveTrailMult:  cfg.Position.DefensiveTrailMult,
		AddFraction:         cfg.Position.AddFraction,
		ReentryCooldown:     cfg.Position.ReentryCooldown,
		TrailingSource:      cfg.Position.TrailingSource,
		TrailingATRMult:     cfg.Position.TrailingATRMult,
		TrailingEMADistPct:  cfg.Position.TrailingEMADistPct,
		TrailingSwingBuffer: cfg.Position.TrailingSwingBuffer,
	}, logger)

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)

	book := position.NewBook()
	paperBook := position.NewBook()

	scan := scanner.New(scanner.Config{
		MaxStructural:      cfg.Scanner.MaxStructuralTriggers,
		MaxTactical:        cfg.Scanner.MaxTacticalTriggers,
		StrongMoveATRMult:  cfg.Scanner.StrongMoveATRMult,
		PullbackEMADistPct: cfg.Scanner.PullbackEMADistPct,
	}, logger)

	engine := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Market:   exchange.NewMarketFeed(client, cfg.Instruments),
		Scanner:  scan,
		Budget:   gate,
		Proposer: proposer.NewHTTPProposer(cfg.Proposer.BaseURL, cfg.Proposer.Timeout, logger),
		Trend:    guards.NewTrendGuard(),
		Quality:  quality.NewGate(logger),
		Risk:     riskMgr,
		Breaker:  breaker,
		Limits:   registry,
		Modes:    modes,
		Live:     client,
		Paper:    paper,
		Book:     book,
		PaperBk:  paperBook,
		Manager:  posMgr,
		Audit:    recorder,
		Metrics:  m,
	}, logger)

	opsServer := ops.NewServer(cfg.Ops.ListenAddr, cfg.Ops.AuthToken, ops.Deps{
		Modes:    modes,
		Budget:   gate,
		Breaker:  breaker,
		Book:     book,
		Paper:    paperBook,
		Closer:   engine,
		Audit:    recorder,
		Registry: promReg,
	}, logger)
	go func() {
		if err := opsServer.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()

	// Execution reports arrive over the websocket independently of the
	// tick loop. Fills the pipeline did not place (manual exchange-UI
	// closes, liquidations) surface here before the next reconcile.
	if cfg.Exchange.WebsocketURL != "" {
		fills := make(chan exchange.Fill, 64)
		go exchange.NewFillsFeed(cfg.Exchange.WebsocketURL, logger).Run(ctx, fills)
		go func() {
			for fill := range fills {
				logger.Info().
					Str("instrument", fill.Instrument).
					Str("order_id", fill.OrderID).
					Str("price", fill.Price.String()).
					Str("size", fill.Size.String()).
					Msg("execution report")
			}
		}()
	}

	logger.Info().
		Str("mode", string(modes.Snapshot().Mode)).
		Str("trading_mode", string(cfg.Mode)).
		Strs("instruments", cfg.Instruments).
		Msg("tradegate starting")
	err = engine.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// confirmModeInteractive prompts the operator for an explicit mode after
// persisted-state corruption.
func confirmModeInteractive(ctx context.Context, modes *execmode.Controller) error {
	fmt.Fprintln(os.Stderr, "Persisted execution mode is unreadable.")
	fmt.Fprintln(os.Stderr, "Confirm mode to continue (LIVE / PAPER_ONLY / SHADOW):")
	var input string
	if _, err := fmt.Fscanln(os.Stdin, &input); err != nil {
		return fmt.Errorf("mode confirmation aborted: %w", err)
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return modes.ConfirmMode(ctx, execmode.Mode(input), user+"@console")
}
