package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade-guard/internal/alerting"
	"trade-guard/internal/breaker"
	"trade-guard/internal/clock"
	"trade-guard/internal/config"
	"trade-guard/internal/journal"
	"trade-guard/internal/metrics"
	"trade-guard/internal/ratelimit"
	"trade-guard/internal/retry"
	"trade-guard/internal/risk"
	"trade-guard/internal/scheduler"
	"trade-guard/internal/service"
	"trade-guard/internal/state"
	"trade-guard/internal/venue"
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

func (a *App) newVenueClients() (venue.Quoter, venue.Executor, venue.Pinger) {
	name := a.Config.Venue.Name
	if name == "" {
		name = "default"
	}

	httpClient := venue.NewHTTPClient(name, a.Config.Venue, a.Logger)

	var quoter venue.Quoter = httpClient
	if a.Config.Venue.RPCURL != "" && a.Config.Venue.VaultAddress != "" {
		// Prefer the on-chain reference when a vault is configured.
		quoter = venue.NewVaultQuoter(name, a.Config.Venue, a.Logger)
	}
	return quoter, httpClient, httpClient
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openJournal(ctx context.Context) (*journal.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := journal.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := journal.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// guardSet is the assembled guard pipeline plus its background loops.
type guardSet struct {
	engine *service.Engine
	state  *state.Service
	risk   *risk.Manager
	mets   *metrics.Metrics
}

// buildGuards wires every guard component. The breaker's state transitions
// fan out to the notifier, the journal and the audit log.
func (a *App) buildGuards(ctx context.Context, trades *journal.Store) *guardSet {
	cfg := a.Config
	clk := clock.System()
	notifier := a.newNotifier()
	mets := metrics.New()

	limiter := ratelimit.New(ratelimit.Options{
		Window:        cfg.RateLimit.Window,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		PerKeyLimit:   cfg.RateLimit.PerKeyLimit,
		MaxConcurrent: cfg.RateLimit.MaxConcurrent,
		WarnCooldown:  cfg.RateLimit.WarnCooldown,
		OnDelay: func(wait time.Duration) {
			mets.RateLimitWaits.Inc()
			mets.RateLimitWaited.Add(wait.Seconds())
		},
	}, clk, a.Logger)

	retrier := retry.NewService(cfg.Retry, cfg.Venues, limiter, clk, a.Logger)

	onChange := func(change breaker.StateChange) {
		mets.SetBreakerState(string(change.To))
		if trades != nil {
			auditCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			event := journal.BreakerEventRecord{
				FromState: string(change.From),
				ToState:   string(change.To),
				Reason:    change.Reason,
				At:        change.At,
			}
			if _, err := trades.InsertBreakerEvent(auditCtx, event); err != nil {
				a.Logger.Error().Err(err).Msg("failed to journal breaker event")
			}
		}
		if notifier != nil && change.To == breaker.StateOpen {
			noteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			note := alerting.Notification{
				Severity: alerting.SeverityCritical,
				Event:    "breaker_open",
				Venue:    cfg.Venue.Name,
				Reason:   change.Reason,
				At:       change.At,
			}
			if err := notifier.Notify(noteCtx, note); err != nil {
				a.Logger.Error().Err(err).Msg("failed to dispatch breaker alert")
			}
		}
	}

	var breakerStore breaker.StateStore
	if cfg.CircuitBreaker.StateFile != "" {
		breakerStore = breaker.NewFileStore(cfg.CircuitBreaker.StateFile)
	}
	guard := breaker.New(cfg.CircuitBreaker, breakerStore, clk, a.Logger, onChange)

	riskMgr := risk.NewManager(cfg.Risk, clk, a.Logger)

	var stateStore state.Store
	if cfg.State.Enabled && cfg.State.StateFile != "" {
		stateStore = state.NewFileStore(cfg.State.StateFile, cfg.State.MaxBackups)
	}
	stateSvc := state.NewService(cfg.State, stateStore, clk, a.Logger)

	quoter, executor, pinger := a.newVenueClients()

	sched := scheduler.New(scheduler.Options{
		Interval:     cfg.Scheduler.Interval,
		AlignToStart: cfg.Scheduler.AlignToBucket,
		StartupDelay: cfg.Scheduler.StartupDelay,
	}, clk, a.Logger)

	var tradeJournal journal.TradeJournal
	var locker journal.AdvisoryLocker
	if trades != nil {
		tradeJournal = trades
		locker = trades
	}

	engine := service.New(cfg, service.Deps{
		Limiter:   limiter,
		Retrier:   retrier,
		Breaker:   guard,
		Risk:      riskMgr,
		State:     stateSvc,
		Quoter:    quoter,
		Executor:  executor,
		Pinger:    pinger,
		Journal:   tradeJournal,
		Locker:    locker,
		Metrics:   mets,
		Scheduler: sched,
		Clock:     clk,
	}, a.Logger)

	return &guardSet{engine: engine, state: stateSvc, risk: riskMgr, mets: mets}
}

// Run executes the long-running guard service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	trades, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if trades == nil {
		a.Logger.Warn().Msg("database.dsn not configured; trade journaling disabled")
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	guards := a.buildGuards(ctx, trades)

	if info := guards.state.GetRecoveryInfo(); info.Recovered {
		a.Logger.Info().
			Int("interrupted_ops", len(info.InterruptedOps)).
			Int("consecutive_errors", info.ConsecutiveErrors).
			Time("last_saved", info.LastSavedAt).
			Msg("recovered previous session state")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		guards.state.Run(ctx)
		return nil
	})
	group.Go(func() error {
		guards.risk.RunDailyReset(ctx)
		return nil
	})
	if a.Config.Metrics.Enabled {
		group.Go(func() error {
			return guards.mets.Serve(ctx, a.Config.Metrics.Listen, a.Logger)
		})
	}
	group.Go(func() error {
		return guards.engine.Run(ctx)
	})

	a.Logger.Info().Msg("starting trade guard service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("trade guard service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the trade journal.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Events bool
}

// TradeOptions configure a one-shot guarded trade.
type TradeOptions struct {
	TokenID string
	Side    string
	Amount  float64
	Price   float64
	DryRun  bool
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
