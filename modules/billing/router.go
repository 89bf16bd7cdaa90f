package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/gate"
	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/payment"
	"github.com/prepstack/entitlements/pkg/tier"
	"github.com/prepstack/entitlements/pkg/usage"
)

// SubscriptionManager is the lifecycle surface the HTTP module exposes.
// lifecycle.Manager satisfies it.
type SubscriptionManager interface {
	payment.Lifecycle
	ActiveSubscription(ctx context.Context, userID uuid.UUID) (*lifecycle.Subscription, error)
	Create(ctx context.Context, userID uuid.UUID, t tier.Tier, durationDays int, providerRef string) (*lifecycle.Subscription, error)
	Cancel(ctx context.Context, userID uuid.UUID) (*lifecycle.Subscription, error)
	Upgrade(ctx context.Context, userID uuid.UUID, newTier tier.Tier, providerRef string) (*lifecycle.Subscription, error)
	ScheduleDowngrade(ctx context.Context, userID uuid.UUID, target tier.Tier) (*lifecycle.Subscription, error)
}

// UsageReader is the ledger surface the HTTP module exposes.
type UsageReader interface {
	Summary(ctx context.Context, userID uuid.UUID) ([]usage.UsageInfo, error)
}

// FeatureGate is the capability check surface.
type FeatureGate interface {
	CanAccess(ctx context.Context, userID uuid.UUID, cap tier.Capability) (gate.Decision, error)
}

// JobTrigger exposes the batch jobs' run-now entry points.
type JobTrigger interface {
	RunNow(ctx context.Context, name string) error
	Jobs() []string
}

// EmailRecorder captures the address a user supplies at checkout so renewal
// reminders can reach them later.
type EmailRecorder interface {
	SaveEmail(ctx context.Context, userID uuid.UUID, addr string) error
}

// RouterOptions configures which services the billing module mounts.
// Adapter, Manager and Tiers are required; the rest are optional and their
// routes are only mounted when provided.
type RouterOptions struct {
	Adapter *payment.Adapter
	Manager SubscriptionManager
	Tiers   *tier.Registry

	Usage    UsageReader
	Gate     FeatureGate
	Checkout payment.CheckoutProvider
	Charges  payment.ChargeProvider
	Emails   EmailRecorder
	Jobs     JobTrigger
	Logger   *slog.Logger

	// Clock overrides the time source, useful in tests.
	Clock func() time.Time
}

// Router creates the billing module router.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Adapter: adapter,
//	    Manager: manager,
//	    Tiers:   registry,
//	    Usage:   ledger,
//	}))
func Router(opts RouterOptions) chi.Router {
	if opts.Adapter == nil || opts.Manager == nil || opts.Tiers == nil {
		panic("billing: Adapter, Manager and Tiers are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	h := &handlers{
		adapter:  opts.Adapter,
		manager:  opts.Manager,
		tiers:    opts.Tiers,
		usage:    opts.Usage,
		gate:     opts.Gate,
		checkout: opts.Checkout,
		charges:  opts.Charges,
		emails:   opts.Emails,
		jobs:     opts.Jobs,
		log:      opts.Logger,
		now:      opts.Clock,
	}

	r := chi.NewRouter()

	r.Post("/webhook", h.handleWebhook)
	r.Get("/tiers", h.handleListTiers)
	r.Get("/tiers/compare", h.handleCompareTiers)

	r.Route("/users/{userID}", func(u chi.Router) {
		u.Get("/subscription", h.handleGetSubscription)
		u.Post("/subscription", h.handleCreateSubscription)
		u.Post("/subscription/cancel", h.handleCancel)
		u.Post("/subscription/upgrade", h.handleUpgrade)
		u.Post("/subscription/downgrade", h.handleDowngrade)
		if opts.Usage != nil {
			u.Get("/usage", h.handleUsageSummary)
		}
		if opts.Gate != nil {
			u.Get("/access/{capability}", h.handleCanAccess)
		}
		if opts.Checkout != nil {
			u.Post("/checkout", h.handleCheckout)
			u.Get("/portal", h.handlePortalLink)
		}
	})

	if opts.Jobs != nil {
		r.Route("/jobs", func(j chi.Router) {
			j.Get("/", h.handleListJobs)
			j.Post("/{name}/run", h.handleRunJob)
		})
	}

	return r
}

// Headers carrying the webhook signature, following the scheme used by
// major payment providers.
const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
)
