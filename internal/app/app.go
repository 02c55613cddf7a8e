package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crx-points/internal/alerting"
	"crx-points/internal/chain"
	"crx-points/internal/claims"
	"crx-points/internal/config"
	"crx-points/internal/feed"
	"crx-points/internal/ingest"
	"crx-points/internal/leaderboard"
	"crx-points/internal/lp"
	"crx-points/internal/pricing"
	"crx-points/internal/retry"
	"crx-points/internal/scheduler"
	"crx-points/internal/season"
	"crx-points/internal/selfheal"
	"crx-points/internal/server"
	"crx-points/internal/storage"
	"crx-points/internal/storage/redisstore"
	"crx-points/internal/tokens"
	"crx-points/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is everything one command needs, built once.
type components struct {
	season   season.Config
	board    storage.Leaderboard
	archive  *storage.Store
	registry *tokens.Registry
	runner   *ingest.Runner
	reader   *leaderboard.Reader
	notifier alerting.Notifier

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// runStore returns the archive as a RunStore, or nil without a database.
func (c *components) runStore() storage.RunStore {
	if c.archive == nil {
		return nil
	}
	return c.archive
}

func (c *components) locker() storage.AdvisoryLocker {
	if c.archive == nil {
		return nil
	}
	return c.archive
}

func (a *App) newFeedClient() *feed.Client {
	rc := retry.DefaultConfig()
	if a.Config.Feeds.RetryAttempts > 0 {
		rc.MaxAttempts = a.Config.Feeds.RetryAttempts
	}
	ua := a.Config.Feeds.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return feed.NewClient(feed.Options{Timeout: a.Config.Feeds.Timeout, UserAgent: ua, Retry: rc}, a.Logger)
}

func (a *App) newRegistry() *tokens.Registry {
	t := a.Config.Tokens
	return tokens.NewRegistry(
		tokens.Info{Address: t.Trade.Address, Symbol: t.Trade.Symbol, Decimals: t.Trade.Decimals},
		tokens.Info{Address: t.Stable.Address, Symbol: t.Stable.Symbol, Decimals: t.Stable.Decimals},
		tokens.Info{Address: t.Native.Address, Symbol: t.Native.Symbol, Decimals: t.Native.Decimals},
	)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openLeaderboard(ctx context.Context) (*redisstore.Store, error) {
	r := a.Config.Redis
	return redisstore.Connect(ctx, redisstore.Options{
		URL:          r.URL,
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	})
}

func (a *App) openArchive(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database.PoolConfig(a.Config.App.Name))
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) feeds() []ingest.Feed {
	var out []ingest.Feed
	for _, src := range ingest.Sources() {
		fc, ok := a.Config.Feeds.Sources[src.ID]
		if !ok || fc.Disabled || strings.TrimSpace(fc.Endpoint) == "" && strings.TrimSpace(fc.Fallbacks) == "" {
			a.Logger.Warn().Str("source", src.ID).Msg("swap feed not configured; source skipped")
			continue
		}
		out = append(out, ingest.Feed{
			Source:    src,
			Endpoints: feed.Endpoints(fc.Endpoint, fc.Fallbacks),
			APIKey:    a.Config.Feeds.SourceAPIKey(fc),
		})
	}
	return out
}

// build wires the store, clients and components.
func (a *App) build(ctx context.Context) (*components, error) {
	cfg := a.Config
	s, err := cfg.SeasonConfig()
	if err != nil {
		return nil, err
	}
	rewardCfg, err := cfg.RewardsPolicy()
	if err != nil {
		return nil, err
	}

	comp := &components{season: s, notifier: a.newNotifier()}

	board, err := a.openLeaderboard(ctx)
	if err != nil {
		return nil, err
	}
	comp.board = board
	comp.closers = append(comp.closers, func() { _ = board.Close() })

	archive, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		comp.Close()
		return nil, err
	}
	if archive == nil {
		a.Logger.Debug().Msg("database.dsn not configured; archive disabled")
	} else {
		comp.archive = archive
		comp.closers = append(comp.closers, closeArchive)
	}

	chains := chain.NewRegistry()
	comp.closers = append(comp.closers, chains.Close)

	comp.registry = a.newRegistry()
	client := a.newFeedClient()
	oracle := pricing.NewOracle(client, a.Logger)

	eth := cfg.Ethereum
	chainReader := chain.NewReader(chain.Options{
		RPCURL:            eth.RPCURL,
		PositionManager:   eth.PositionManager,
		Factory:           eth.Factory,
		Locker:            eth.Locker,
		LockerDeployBlock: eth.LockerDeployBlock,
		CallTimeout:       eth.CallTimeout,
		MaxPositions:      eth.MaxPositions,
		LogChunkBlocks:    eth.LogChunkBlocks,
		MaxLogChunks:      eth.MaxLogChunks,
		AgeLookbackBlocks: eth.AgeLookbackBlocks,
		ReadConcurrency:   eth.ReadConcurrency,
		RequestsPerSecond: eth.RequestsPerSecond,
		Burst:             eth.Burst,
	}, chains, lp.BoostedPair(comp.registry), a.Logger)

	scoringPolicy := cfg.ScoringPolicy()
	valuator := lp.NewValuator(client, oracle, chainReader, comp.registry, lp.Weights{
		StablePair: scoringPolicy.StablePairWeight,
		NativePair: scoringPolicy.NativePairWeight,
	}, a.Logger)

	summaryPolicy := leaderboard.SummaryPolicy{Scoring: scoringPolicy, ClaimOpensAt: rewardCfg.ClaimOpensAt}
	comp.runner = ingest.NewRunner(ingest.RunnerConfig{
		Feeds:          a.feeds(),
		PriceEndpoints: feed.Endpoints(cfg.Feeds.Prices.Endpoint, cfg.Feeds.Prices.Fallbacks),
		PriceAPIKey:    cfg.Feeds.SourceAPIKey(cfg.Feeds.Prices),
		LpEndpoints:    feed.Endpoints(cfg.Feeds.Positions.Endpoint, cfg.Feeds.Positions.Fallbacks),
		LpAPIKey:       cfg.Feeds.SourceAPIKey(cfg.Feeds.Positions),
		Scoring:        scoringPolicy,
		Summary:        summaryPolicy,
		Concurrency:    cfg.Ingest.Concurrency,
		WalletTimeout:  cfg.Ingest.WalletTimeout,
	}, ingest.NewIngestor(client, ingest.Options{PageSize: cfg.Ingest.PageSize, MaxPages: cfg.Ingest.MaxPages}, a.Logger),
		oracle, valuator, comp.registry, board, comp.runStore(), a.Logger)

	var healer leaderboard.Healer
	if cfg.SelfHeal.Enabled {
		triggerURL := cfg.SelfHeal.TriggerURL
		if triggerURL == "" && cfg.Server.Enabled {
			triggerURL = localTriggerURL(cfg.Server.Addr)
		}
		healer = selfheal.New(selfheal.Options{
			TriggerURL: triggerURL,
			Secret:     cfg.SelfHeal.Secret,
			StaleAfter: cfg.SelfHeal.StaleAfter,
			Cooldown:   cfg.SelfHeal.Cooldown,
			Timeout:    cfg.SelfHeal.Timeout,
		}, board, a.Logger)
	}
	machine := claims.NewMachine(board, cfg.ClaimsPolicy(), a.Logger)
	comp.reader = leaderboard.NewReader(board, healer, machine, rewardCfg, summaryPolicy, a.Logger)

	return comp, nil
}

// localTriggerURL points the self-heal trigger at this process's own server.
func localTriggerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/internal/ingest"
}

// Run executes the long-running service: scheduled passes and the internal
// server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	if !a.Config.Scheduler.Enabled && !a.Config.Server.Enabled {
		return errors.New("nothing to run: scheduler and server are both disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToSlot:  a.Config.Scheduler.AlignToSlot,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger)
		job := scheduler.Guarded(comp.locker(), a.Config.Scheduler.AdvisoryLockKey, a.passJob(comp), a.Logger)
		g.Go(func() error { return sched.Run(gctx, job) })
	}

	if a.Config.Server.Enabled {
		srv := server.New(server.Options{
			Addr:        a.Config.Server.Addr,
			Secret:      a.Config.Server.Secret,
			PassTimeout: a.Config.Ingest.PassTimeout,
			Locker:      comp.locker(),
			LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		}, comp.runner, comp.season, alerting.PassHook(comp.notifier, "http", a.Logger), a.Logger)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}

	a.Logger.Info().Str("season", comp.season.ID).Msg("starting points service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("points service stopped")
	return nil
}

func (a *App) passJob(comp *components) scheduler.Job {
	hook := alerting.PassHook(comp.notifier, "scheduler", a.Logger)
	return func(ctx context.Context, slot time.Time) error {
		passCtx, cancel := context.WithTimeout(ctx, a.Config.Ingest.PassTimeout)
		defer cancel()
		summary, err := comp.runner.RunPass(passCtx, comp.season, ingest.PassOptions{})
		hook(ctx, summary, err)
		if err != nil {
			return fmt.Errorf("pass for slot %s: %w", slot.Format(time.RFC3339), err)
		}
		return nil
	}
}

// ExportOptions hold parameters for exporting the leaderboard.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	MaxRows int
	TopN    int
}

// RunsOptions configure the runs command.
type RunsOptions struct {
	Limit int
}
