package routes

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fanbeam/fanbeam/internal/call"
	"github.com/fanbeam/fanbeam/internal/config"
	"github.com/fanbeam/fanbeam/internal/ledger"
	"github.com/fanbeam/fanbeam/internal/middleware"
	"github.com/fanbeam/fanbeam/internal/notification"
	"github.com/fanbeam/fanbeam/internal/payout"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Provider overrides the transfer provider connector. Nil selects the
	// simulated provider, which is acceptable in development only.
	Provider payout.TransferProvider
}

// Services holds the wired settlement components so main can start the
// background loops against the same instances the HTTP surface uses.
type Services struct {
	Ledger      ledger.Ledger
	Calls       call.Repository
	Engine      *call.Engine
	Store       payout.Store
	Coordinator *payout.Coordinator
	Sweeper     *payout.RetrySweeper
}

// Setup configures middlewares and all application routes, and returns the
// wired services.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	notifier := notification.NewLoggerNotifier(d.Logger)

	var ledgerBackend ledger.Ledger
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
	}

	var callRepo call.Repository
	if d.DB != nil {
		callRepo = call.NewPostgresRepository(d.DB)
	} else {
		callRepo = call.NewMemoryRepository(ledgerBackend)
	}
	engine := call.NewEngine(callRepo, notifier, d.Logger,
		d.Cfg.BillingBlockSeconds, d.Cfg.MeteringInterval, d.Cfg.MeteringBatchLimit)

	var (
		store       payout.Store
		payees      payout.PayeeResolver
		eligibility payout.EligibilitySource
	)
	if d.DB != nil {
		store = payout.NewPostgresStore(d.DB)
		payees = payout.NewPostgresPayeeResolver(d.DB)
		eligibility = payout.NewPostgresEligibility(d.DB, time.Duration(d.Cfg.PayoutHoldWindowDays)*24*time.Hour)
	} else {
		store = payout.NewMemoryStore(ledgerBackend)
		payees = payout.NewStaticPayeeResolver()
		eligibility = payout.StaticEligibility{}
	}

	provider := d.Provider
	if provider == nil {
		provider = payout.NewStaticProvider()
	}

	executor := payout.NewExecutor(store, provider, payees, notifier, d.Logger, d.Cfg.ProviderTimeout)
	scheduler := payout.NewChunkScheduler(store, executor, d.Logger, d.Cfg.PayoutChunkSize, d.Cfg.PayoutChunkConcurrent)
	coordinator := payout.NewCoordinator(store, eligibility, scheduler, d.Logger, payout.CoordinatorConfig{
		MinTokens:  d.Cfg.PayoutMinTokens,
		TokenCents: d.Cfg.PayoutTokenCents,
		MaxRetries: d.Cfg.PayoutMaxRetries,
	})
	sweeper := payout.NewRetrySweeper(store, executor, d.Logger,
		d.Cfg.RetrySweepInterval, d.Cfg.RetryMaxAge, d.Cfg.RetrySweepLimit)
	guard := payout.NewRunGuard(d.Cache, d.Cfg.RunLockTTL)

	payoutHandler := NewPayoutHandler(coordinator, scheduler, store, guard, d.Logger)
	internal := app.Group("/internal/payouts", middleware.InternalAuth(d.Cfg.InternalAPISecret))
	RegisterPayoutRoutes(internal, payoutHandler)

	return &Services{
		Ledger:      ledgerBackend,
		Calls:       callRepo,
		Engine:      engine,
		Store:       store,
		Coordinator: coordinator,
		Sweeper:     sweeper,
	}, nil
}
