package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/entitlements/modules/billing"
	"github.com/prepstack/entitlements/pkg/gate"
	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/payment"
	"github.com/prepstack/entitlements/pkg/schedule"
	"github.com/prepstack/entitlements/pkg/tier"
	"github.com/prepstack/entitlements/pkg/usage"
)

const webhookSecret = "whsec_router_test"

type chargeCall struct {
	ref    string
	tier   tier.Tier
	amount tier.Money
}

// fakeProvider stands in for the hosted checkout, portal and off-session
// charge sides of the payment provider.
type fakeProvider struct {
	mu        sync.Mutex
	charges   []chargeCall
	chargeErr error
}

func (p *fakeProvider) CreateCheckoutLink(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutLink, error) {
	return &payment.CheckoutLink{URL: "https://pay.test/checkout/" + string(req.Tier)}, nil
}

func (p *fakeProvider) GetCustomerPortalLink(ctx context.Context, customerID, subscriptionRef string) (*payment.PortalLink, error) {
	return &payment.PortalLink{URL: "https://pay.test/portal/" + customerID + "/" + subscriptionRef}, nil
}

func (p *fakeProvider) Charge(ctx context.Context, providerRef string, t tier.Tier, amount tier.Money) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chargeErr != nil {
		return p.chargeErr
	}
	p.charges = append(p.charges, chargeCall{ref: providerRef, tier: t, amount: amount})
	return nil
}

func (p *fakeProvider) chargeCalls() []chargeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chargeCall(nil), p.charges...)
}

type env struct {
	server   *httptest.Server
	manager  *lifecycle.Manager
	runner   *schedule.Runner
	provider *fakeProvider
}

func newEnv(t *testing.T) *env {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry, err := tier.NewRegistry(context.Background(),
		tier.NewInMemSource(tier.DefaultDefinitions()...))
	require.NoError(t, err)

	manager := lifecycle.NewManager(lifecycle.NewMemoryStore(), registry,
		lifecycle.WithClock(func() time.Time { return now }))
	ledger := usage.NewLedger(usage.NewMemoryStore(), gate.QuotaResolver(registry, manager),
		usage.WithClock(func() time.Time { return now }))
	featureGate := gate.New(registry, manager, ledger)
	adapter := payment.NewAdapter(webhookSecret,
		payment.WithEventStore(payment.NewMemoryStore()))

	runner := schedule.NewRunner()
	require.NoError(t, runner.AddJob("expiry-sweep", schedule.HourlyAt(5),
		func(ctx context.Context, due time.Time) error {
			_, err := manager.CheckAndExpire(ctx, due)
			return err
		}))

	provider := &fakeProvider{}
	router := billing.Router(billing.RouterOptions{
		Adapter:  adapter,
		Manager:  manager,
		Tiers:    registry,
		Usage:    ledger,
		Gate:     featureGate,
		Checkout: provider,
		Charges:  provider,
		Jobs:     runner,
		Clock:    func() time.Time { return now },
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{server: server, manager: manager, runner: runner, provider: provider}
}

func postWebhook(t *testing.T, e *env, payload []byte, signature string, ts int64) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func eventPayload(t *testing.T, eventType, paymentID, ref string) ([]byte, string, int64) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":   "evt_" + paymentID,
		"type": eventType,
		"data": map[string]any{
			"payment_id":       paymentID,
			"subscription_ref": ref,
			"amount":           29900,
			"currency":         "INR",
		},
	})
	require.NoError(t, err)

	ts := time.Now().Unix()
	return payload, payment.Sign(webhookSecret, ts, payload), ts
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("captured payment activates the subscription", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		_, err := e.manager.Create(ctx, userID, tier.TierPremium, 30, "sub_hook_1")
		require.NoError(t, err)

		payload, sig, ts := eventPayload(t, payment.EventPaymentCaptured, "pay_1", "sub_hook_1")
		resp := postWebhook(t, e, payload, sig, ts)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		sub, err := e.manager.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierPremium, sub.Tier)
		assert.Equal(t, lifecycle.StatusActive, sub.Status)
	})

	t.Run("tampered signature gets 401 and changes nothing", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		_, err := e.manager.Create(ctx, userID, tier.TierPremium, 30, "sub_hook_2")
		require.NoError(t, err)

		payload, _, ts := eventPayload(t, payment.EventPaymentCaptured, "pay_2", "sub_hook_2")
		resp := postWebhook(t, e, payload, "deadbeef", ts)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		sub, err := e.manager.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierFree, sub.Tier, "pending subscription must stay pending")
	})

	t.Run("duplicate delivery gets 200", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		_, err := e.manager.Create(ctx, userID, tier.TierStarter, 30, "sub_hook_3")
		require.NoError(t, err)

		payload, sig, ts := eventPayload(t, payment.EventPaymentCaptured, "pay_3", "sub_hook_3")
		assert.Equal(t, http.StatusOK, postWebhook(t, e, payload, sig, ts).StatusCode)
		assert.Equal(t, http.StatusOK, postWebhook(t, e, payload, sig, ts).StatusCode,
			"redelivery must not trigger provider retries")
	})

	t.Run("unknown reference gets 200 ignored", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		payload, sig, ts := eventPayload(t, payment.EventPaymentCaptured, "pay_4", "sub_missing")
		assert.Equal(t, http.StatusOK, postWebhook(t, e, payload, sig, ts).StatusCode)
	})
}

func TestSubscriptionEndpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("get returns implicit free subscription", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		resp, err := http.Get(fmt.Sprintf("%s/users/%s/subscription", e.server.URL, uuid.New()))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sub lifecycle.Subscription
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
		assert.Equal(t, tier.TierFree, sub.Tier)
	})

	t.Run("invalid user id gets 400", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		resp, err := http.Get(e.server.URL + "/users/not-a-uuid/subscription")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("cancel is idempotent over HTTP", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierPremium, 30, "sub_c1")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		url := fmt.Sprintf("%s/users/%s/subscription/cancel", e.server.URL, userID)
		for range 2 {
			resp, err := http.Post(url, "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}
	})

	t.Run("downgrade below current tier is rejected", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierStarter, 30, "sub_d1")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		body, _ := json.Marshal(map[string]string{"tier": "premium"})
		resp, err := http.Post(
			fmt.Sprintf("%s/users/%s/subscription/downgrade", e.server.URL, userID),
			"application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUpgradeEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	postUpgrade := func(t *testing.T, e *env, userID uuid.UUID, target string) *http.Response {
		t.Helper()
		body, _ := json.Marshal(map[string]string{"tier": target})
		resp, err := http.Post(
			fmt.Sprintf("%s/users/%s/subscription/upgrade", e.server.URL, userID),
			"application/json", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("mid-period upgrade collects the prorated difference", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierStarter, 15, "sub_up1")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		resp := postUpgrade(t, e, userID, "premium")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got struct {
			Subscription   lifecycle.Subscription `json:"subscription"`
			ProratedCharge *tier.Money            `json:"prorated_charge"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, tier.TierPremium, got.Subscription.Tier)
		assert.Equal(t, lifecycle.StatusActive, got.Subscription.Status)

		// 15 of 30 days left on the Rs. 200.00 price difference.
		require.NotNil(t, got.ProratedCharge)
		assert.Equal(t, int64(10000), got.ProratedCharge.Amount)
		assert.Equal(t, "INR", got.ProratedCharge.Currency)

		calls := e.provider.chargeCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "sub_up1", calls[0].ref)
		assert.Equal(t, tier.TierPremium, calls[0].tier)
		assert.Equal(t, int64(10000), calls[0].amount.Amount)
	})

	t.Run("declined charge leaves the subscription unchanged", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.provider.chargeErr = errors.New("card declined")
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierStarter, 15, "sub_up2")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		resp := postUpgrade(t, e, userID, "premium")
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

		current, err := e.manager.ActiveSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, tier.TierStarter, current.Tier)
	})

	t.Run("downgrade through the upgrade path is rejected before any charge", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierPremium, 30, "sub_up3")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		resp := postUpgrade(t, e, userID, "starter")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, e.provider.chargeCalls())
	})

	t.Run("free user pays nothing at the upgrade endpoint", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()

		resp := postUpgrade(t, e, userID, "starter")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got struct {
			ProratedCharge *tier.Money `json:"prorated_charge"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Nil(t, got.ProratedCharge)
		assert.Empty(t, e.provider.chargeCalls())
	})
}

func TestPortalEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns a portal session for the current subscription", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		userID := uuid.New()
		sub, err := e.manager.Create(ctx, userID, tier.TierPremium, 30, "sub_p1")
		require.NoError(t, err)
		_, err = e.manager.Activate(ctx, sub.ID)
		require.NoError(t, err)

		resp, err := http.Get(fmt.Sprintf("%s/users/%s/portal?customer_id=ctm_1", e.server.URL, userID))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var link payment.PortalLink
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&link))
		assert.Equal(t, "https://pay.test/portal/ctm_1/sub_p1", link.URL)
	})

	t.Run("missing customer id gets 400", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		resp, err := http.Get(fmt.Sprintf("%s/users/%s/portal", e.server.URL, uuid.New()))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUsageAndAccessEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("usage summary lists both resources", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		resp, err := http.Get(fmt.Sprintf("%s/users/%s/usage", e.server.URL, uuid.New()))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var infos []usage.UsageInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(t, infos, 2)
		assert.Equal(t, int64(10), infos[0].Limit, "free tier daily quota")
	})

	t.Run("denied capability returns decision with upgrade hint", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		resp, err := http.Get(fmt.Sprintf("%s/users/%s/access/diagrams", e.server.URL, uuid.New()))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var dec gate.Decision
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
		assert.False(t, dec.Allowed)
		require.NotNil(t, dec.UpgradeHint)
		assert.Equal(t, tier.TierStarter, *dec.UpgradeHint)
	})
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp, err := http.Post(e.server.URL+"/jobs/expiry-sweep/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(e.server.URL+"/jobs/nope/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
