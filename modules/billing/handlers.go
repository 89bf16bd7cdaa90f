package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/payment"
	"github.com/prepstack/entitlements/pkg/schedule"
	"github.com/prepstack/entitlements/pkg/tier"
)

// maxWebhookBody caps the accepted webhook payload size.
const maxWebhookBody = 1 << 20

type handlers struct {
	adapter  *payment.Adapter
	manager  SubscriptionManager
	tiers    *tier.Registry
	usage    UsageReader
	gate     FeatureGate
	checkout payment.CheckoutProvider
	charges  payment.ChargeProvider
	emails   EmailRecorder
	jobs     JobTrigger
	log      *slog.Logger
	now      func() time.Time
}

// handleWebhook receives the payment provider's signed events. The status
// code contract matters: 200 for anything processed or safely ignored, 401
// for signature failures, 5xx only when a retry could help. The provider's
// retry policy depends on this distinction being exact.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	timestamp, _ := strconv.ParseInt(r.Header.Get(headerTimestamp), 10, 64)
	cmd, err := h.adapter.ProcessEvent(r.Context(), body, r.Header.Get(headerSignature), timestamp)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, payment.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	case err != nil:
		h.log.ErrorContext(r.Context(), "failed to process payment event", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	if err := cmd.Apply(r.Context(), h.manager); err != nil {
		// A state conflict (already applied, unknown ref) is not retryable;
		// answer 200 so the provider stops redelivering.
		var illegal *lifecycle.ErrIllegalTransition
		if errors.Is(err, lifecycle.ErrNotFound) || errors.As(err, &illegal) {
			h.log.WarnContext(r.Context(), "payment event ignored",
				slog.String("command", string(cmd.Kind)),
				slog.String("ref", cmd.Ref),
				slog.Any("error", err))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.log.ErrorContext(r.Context(), "failed to apply payment command",
			slog.String("command", string(cmd.Kind)),
			slog.String("ref", cmd.Ref),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "command failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *handlers) handleListTiers(w http.ResponseWriter, r *http.Request) {
	defs := make([]tier.Definition, 0, len(tier.AllTiers()))
	for _, t := range tier.AllTiers() {
		def, err := h.tiers.Definition(t)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *handlers) handleCompareTiers(w http.ResponseWriter, r *http.Request) {
	from, err := h.tiers.Definition(tier.Tier(r.URL.Query().Get("from")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}
	to, err := h.tiers.Definition(tier.Tier(r.URL.Query().Get("to")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}
	writeJSON(w, http.StatusOK, tier.Compare(&from, &to))
}

func (h *handlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.manager.ActiveSubscription(r.Context(), userID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to load subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subscription unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type createSubscriptionRequest struct {
	Tier         tier.Tier `json:"tier"`
	DurationDays int       `json:"duration_days"`
	ProviderRef  string    `json:"provider_ref"`
}

func (h *handlers) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationDays == 0 {
		req.DurationDays = 30
	}

	sub, err := h.manager.Create(r.Context(), userID, req.Tier, req.DurationDays, req.ProviderRef)
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTier), errors.Is(err, lifecycle.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrDuplicateActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.log.ErrorContext(r.Context(), "failed to create subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "create failed")
	default:
		writeJSON(w, http.StatusCreated, sub)
	}
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.manager.Cancel(r.Context(), userID)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "no subscription to cancel")
	case err != nil:
		h.log.ErrorContext(r.Context(), "failed to cancel subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		writeJSON(w, http.StatusOK, sub)
	}
}

type tierChangeRequest struct {
	Tier        tier.Tier `json:"tier"`
	ProviderRef string    `json:"provider_ref"`
}

type upgradeResponse struct {
	Subscription   *lifecycle.Subscription `json:"subscription"`
	ProratedCharge *tier.Money             `json:"prorated_charge,omitempty"`
}

func (h *handlers) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req tierChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, err := h.manager.ActiveSubscription(r.Context(), userID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to load subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subscription unavailable")
		return
	}

	charge, ok := h.proratedCharge(w, r, current, req.Tier)
	if !ok {
		return
	}

	// Collect the charge before the state change so a declined card never
	// leaves the user on a tier they did not pay for. A free-tier user has
	// nothing to prorate and pays through checkout instead.
	if charge != nil && charge.Amount > 0 && h.charges != nil && current.ProviderRef != "" {
		if err := h.charges.Charge(r.Context(), current.ProviderRef, req.Tier, *charge); err != nil {
			h.log.ErrorContext(r.Context(), "failed to collect upgrade charge",
				slog.String("user_id", userID.String()),
				slog.Int64("amount", charge.Amount),
				slog.Any("error", err))
			writeError(w, http.StatusPaymentRequired, "payment for the upgrade failed")
			return
		}
	}

	sub, err := h.manager.Upgrade(r.Context(), userID, req.Tier, req.ProviderRef)
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTier), errors.Is(err, lifecycle.ErrNotAnUpgrade):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.log.ErrorContext(r.Context(), "failed to upgrade subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "upgrade failed")
	default:
		writeJSON(w, http.StatusOK, upgradeResponse{Subscription: sub, ProratedCharge: charge})
	}
}

// proratedCharge computes the upgrade charge for the remaining window of the
// current paid subscription. Returns (nil, true) when nothing is owed and
// writes the error response itself when the request is invalid.
func (h *handlers) proratedCharge(w http.ResponseWriter, r *http.Request, current *lifecycle.Subscription, target tier.Tier) (*tier.Money, bool) {
	if !current.IsPaid() {
		return nil, true
	}

	curDef, err := h.tiers.Definition(current.Tier)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to resolve current tier", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "upgrade failed")
		return nil, false
	}
	newDef, err := h.tiers.Definition(target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return nil, false
	}

	days := min(current.DaysRemainingAt(h.now()), curDef.BillingCycleDays)
	amount, err := payment.ComputeProratedCharge(curDef, newDef, days, curDef.BillingCycleDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &tier.Money{Amount: amount, Currency: newDef.MonthlyPrice.Currency}, true
}

func (h *handlers) handleDowngrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req tierChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.manager.ScheduleDowngrade(r.Context(), userID, req.Tier)
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTier), errors.Is(err, lifecycle.ErrNotADowngrade):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "no active subscription")
	case err != nil:
		h.log.ErrorContext(r.Context(), "failed to schedule downgrade", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "downgrade failed")
	default:
		writeJSON(w, http.StatusOK, sub)
	}
}

func (h *handlers) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	infos, err := h.usage.Summary(r.Context(), userID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to load usage summary", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handlers) handleCanAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	cap := tier.Capability(chi.URLParam(r, "capability"))
	dec, err := h.gate.CanAccess(r.Context(), userID, cap)
	if err != nil && dec.Reason == "" {
		h.log.ErrorContext(r.Context(), "capability check failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	// Denials are normal responses, never errors: callers render them as
	// upgrade prompts.
	writeJSON(w, http.StatusOK, dec)
}

type checkoutRequest struct {
	Tier       tier.Tier `json:"tier"`
	Email      string    `json:"email"`
	SuccessURL string    `json:"success_url"`
}

func (h *handlers) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Tier.Known() || req.Tier == tier.TierFree {
		writeError(w, http.StatusBadRequest, "checkout requires a paid tier")
		return
	}

	if h.emails != nil && req.Email != "" {
		if err := h.emails.SaveEmail(r.Context(), userID, req.Email); err != nil {
			// Checkout proceeds; the reminder scan simply has no address yet.
			h.log.WarnContext(r.Context(), "failed to record checkout email",
				slog.String("user_id", userID.String()), slog.Any("error", err))
		}
	}

	link, err := h.checkout.CreateCheckoutLink(r.Context(), payment.CheckoutRequest{
		Tier:       req.Tier,
		UserID:     userID,
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
	})
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to create checkout link", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "checkout unavailable")
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// handlePortalLink returns a pre-authenticated customer portal session for
// managing the subscription with the payment provider. The provider's
// customer id comes from the caller; it is issued at checkout and not
// stored here.
func (h *handlers) handlePortalLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	sub, err := h.manager.ActiveSubscription(r.Context(), userID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to load subscription", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subscription unavailable")
		return
	}

	link, err := h.checkout.GetCustomerPortalLink(r.Context(), customerID, sub.ProviderRef)
	if err != nil {
		h.log.ErrorContext(r.Context(), "failed to create portal link", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "portal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *handlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Jobs())
}

func (h *handlers) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.jobs.RunNow(r.Context(), name); err != nil {
		if errors.Is(err, schedule.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		h.log.ErrorContext(r.Context(), "manual job run failed",
			slog.String("job", name),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "job": name})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
