package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prepstack/entitlements/modules/billing"
	"github.com/prepstack/entitlements/pkg/config"
	"github.com/prepstack/entitlements/pkg/email"
	"github.com/prepstack/entitlements/pkg/gate"
	"github.com/prepstack/entitlements/pkg/httpserver"
	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/logger"
	"github.com/prepstack/entitlements/pkg/payment"
	"github.com/prepstack/entitlements/pkg/pg"
	"github.com/prepstack/entitlements/pkg/redis"
	"github.com/prepstack/entitlements/pkg/schedule"
	"github.com/prepstack/entitlements/pkg/tier"
	"github.com/prepstack/entitlements/pkg/usage"
)

type appConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"entitlements"`
	Development bool   `env:"APP_DEV" envDefault:"false"`

	WebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET,required"`

	// TiersPath points at a YAML tier table; empty uses the built-in one.
	TiersPath string `env:"TIERS_PATH"`

	ReminderWindow time.Duration `env:"RENEWAL_REMINDER_WINDOW" envDefault:"168h"`

	// DevEmailDir switches reminder delivery to on-disk files for local runs.
	DevEmailDir string `env:"DEV_EMAIL_DIR"`

	PaddlePriceStarter  string `env:"PADDLE_PRICE_STARTER"`
	PaddlePricePremium  string `env:"PADDLE_PRICE_PREMIUM"`
	PaddlePriceUltimate string `env:"PADDLE_PRICE_ULTIMATE"`
}

func main() {
	ctx := context.Background()

	var cfg appConfig
	config.MustLoad(&cfg)

	logOpts := []logger.Option{}
	if cfg.Development {
		logOpts = append(logOpts, logger.WithDevelopment())
	}
	log := logger.New(cfg.ServiceName, logOpts...)
	logger.SetAsDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.ErrorContext(ctx, "service stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)
	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var src tier.Source
	if cfg.TiersPath != "" {
		src = tier.NewYAMLSource(cfg.TiersPath)
	} else {
		src = tier.NewInMemSource(tier.DefaultDefinitions()...)
	}
	registry, err := tier.NewRegistry(ctx, src)
	if err != nil {
		return err
	}

	subStore := lifecycle.NewPostgresStore(pool)
	addressBook := email.NewPostgresAddressBook(pool)

	// The ledger resolves quotas through the manager and the manager resets
	// counters through the ledger. The closure defers the manager lookup
	// until the first request, after both exist.
	var manager *lifecycle.Manager
	ledger := usage.NewLedger(usage.NewRedisStore(redisClient),
		func(ctx context.Context, userID uuid.UUID, res usage.Resource) (int64, error) {
			return gate.QuotaResolver(registry, manager)(ctx, userID, res)
		},
		usage.WithUserSource(subStore),
		usage.WithLogger(log))

	managerOpts := []lifecycle.ManagerOption{
		lifecycle.WithLogger(log),
		lifecycle.WithCounterInitializer(ledger),
	}

	var checkout payment.CheckoutProvider
	var charges payment.ChargeProvider
	var paddleCfg payment.PaddleConfig
	if err := config.Load(&paddleCfg); err != nil {
		log.WarnContext(ctx, "paddle not configured, checkout and auto-renewal disabled",
			slog.Any("error", err))
	} else {
		paddleCfg.PriceIDs = map[tier.Tier]string{
			tier.TierStarter:  cfg.PaddlePriceStarter,
			tier.TierPremium:  cfg.PaddlePricePremium,
			tier.TierUltimate: cfg.PaddlePriceUltimate,
		}
		provider, err := payment.NewPaddleProvider(paddleCfg)
		if err != nil {
			return err
		}
		checkout = provider
		charges = provider
		managerOpts = append(managerOpts, lifecycle.WithRenewalCharger(
			payment.NewCharger(provider, registry, payment.WithChargerLogger(log))))
	}

	var emailCfg email.Config
	if err := config.Load(&emailCfg); err != nil {
		log.WarnContext(ctx, "email not configured, renewal reminders disabled",
			slog.Any("error", err))
	} else {
		var sender email.EmailSender
		if cfg.DevEmailDir != "" {
			sender = email.NewDevSender(cfg.DevEmailDir)
		} else {
			sender = email.MustNewPostmarkClient(emailCfg)
		}
		managerOpts = append(managerOpts, lifecycle.WithReminderSender(
			email.NewRenewalReminder(sender, addressBook, registry)))
	}

	manager = lifecycle.NewManager(subStore, registry, managerOpts...)
	featureGate := gate.New(registry, manager, ledger, gate.WithLogger(log))

	adapter := payment.NewAdapter(cfg.WebhookSecret,
		payment.WithEventStore(payment.NewPostgresStore(pool)),
		payment.WithAdapterLogger(log))

	runner := schedule.NewRunner(schedule.WithLogger(log))
	jobs := []struct {
		name     string
		schedule schedule.Schedule
		fn       schedule.JobFunc
	}{
		{"expiry-sweep", schedule.HourlyAt(5), func(ctx context.Context, due time.Time) error {
			_, err := manager.CheckAndExpire(ctx, due)
			return err
		}},
		{"daily-usage-reset", schedule.DailyAt(0, 0), func(ctx context.Context, due time.Time) error {
			_, err := ledger.ResetPeriod(ctx, usage.ResourceDailyQueries, due)
			return err
		}},
		{"monthly-usage-reset", schedule.MonthlyOn(1, 0, 5), func(ctx context.Context, due time.Time) error {
			_, err := ledger.ResetPeriod(ctx, usage.ResourceMonthlyPredictions, due)
			return err
		}},
		{"renewal-reminders", schedule.DailyAt(9, 0), func(ctx context.Context, due time.Time) error {
			_, err := manager.SendRenewalReminders(ctx, due, cfg.ReminderWindow)
			return err
		}},
	}
	for _, j := range jobs {
		if err := runner.AddJob(j.name, j.schedule, j.fn); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := runner.Start(runCtx); err != nil {
			log.ErrorContext(runCtx, "job runner stopped", slog.Any("error", err))
		}
	}()

	r := chi.NewRouter()
	r.Get("/healthz", httpserver.HealthCheckHandler(ctx, log))
	r.Get("/readyz", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool), redis.Healthcheck(redisClient)))
	r.Mount("/billing", billing.Router(billing.RouterOptions{
		Adapter:  adapter,
		Manager:  manager,
		Tiers:    registry,
		Usage:    ledger,
		Gate:     featureGate,
		Checkout: checkout,
		Charges:  charges,
		Emails:   addressBook,
		Jobs:     runner,
		Logger:   log,
	}))

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("listening", slog.String("addr", httpCfg.Addr))
		}))
	return srv.Run(ctx, r)
}
