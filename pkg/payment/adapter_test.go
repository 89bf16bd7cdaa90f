package payment_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/payment"
)

const testSecret = "whsec_test"

func signedEvent(t *testing.T, eventType, paymentID, ref string) ([]byte, string, int64) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + paymentID,
		"type":        eventType,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"payment_id":       paymentID,
			"subscription_ref": ref,
			"user_id":          uuid.New().String(),
			"amount":           29900,
			"currency":         "INR",
		},
	})
	require.NoError(t, err)

	ts := time.Now().Unix()
	return payload, payment.Sign(testSecret, ts, payload), ts
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1"}`)
	ts := time.Now().Unix()
	sig := payment.Sign(testSecret, ts, payload)

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, payment.VerifySignature(testSecret, payload, sig, ts, 5*time.Minute))
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		err := payment.VerifySignature(testSecret, []byte(`{"id":"evt_2"}`), sig, ts, 5*time.Minute)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		err := payment.VerifySignature("whsec_other", payload, sig, ts, 5*time.Minute)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		t.Parallel()
		old := time.Now().Add(-time.Hour).Unix()
		oldSig := payment.Sign(testSecret, old, payload)
		err := payment.VerifySignature(testSecret, payload, oldSig, old, 5*time.Minute)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()
		err := payment.VerifySignature(testSecret, payload, "", ts, 5*time.Minute)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})
}

func TestAdapter_ProcessEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	commandKinds := []struct {
		eventType string
		want      payment.CommandKind
	}{
		{payment.EventPaymentCaptured, payment.CommandActivate},
		{payment.EventPaymentRenewed, payment.CommandRenew},
		{payment.EventPaymentFailed, payment.CommandMarkFailed},
		{payment.EventRefundProcessed, payment.CommandRefund},
		{payment.EventSubscriptionCancelled, payment.CommandCancel},
	}
	for i, tc := range commandKinds {
		t.Run(tc.eventType, func(t *testing.T) {
			t.Parallel()

			adapter := payment.NewAdapter(testSecret, payment.WithEventStore(payment.NewMemoryStore()))
			payload, sig, ts := signedEvent(t, tc.eventType, fmt.Sprintf("pay_%d", i), "sub_1")

			cmd, err := adapter.ProcessEvent(ctx, payload, sig, ts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cmd.Kind)
			assert.Equal(t, "sub_1", cmd.Ref)
		})
	}

	t.Run("tampered signature yields noop and no state change", func(t *testing.T) {
		t.Parallel()

		store := payment.NewMemoryStore()
		adapter := payment.NewAdapter(testSecret, payment.WithEventStore(store))
		payload, _, ts := signedEvent(t, payment.EventPaymentCaptured, "pay_bad", "sub_1")

		cmd, err := adapter.ProcessEvent(ctx, payload, "deadbeef", ts)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
		assert.True(t, cmd.IsNoop())

		_, err = store.GetByPaymentID(ctx, "pay_bad")
		assert.ErrorIs(t, err, payment.ErrEventNotFound, "rejected payload is never recorded")
	})

	t.Run("duplicate delivery is safely ignored", func(t *testing.T) {
		t.Parallel()

		adapter := payment.NewAdapter(testSecret, payment.WithEventStore(payment.NewMemoryStore()))
		payload, sig, ts := signedEvent(t, payment.EventPaymentCaptured, "pay_dup", "sub_1")

		first, err := adapter.ProcessEvent(ctx, payload, sig, ts)
		require.NoError(t, err)
		assert.Equal(t, payment.CommandActivate, first.Kind)

		second, err := adapter.ProcessEvent(ctx, payload, sig, ts)
		require.NoError(t, err, "duplicates must not trigger provider retries")
		assert.True(t, second.IsNoop())
	})

	t.Run("unknown event type is safely ignored", func(t *testing.T) {
		t.Parallel()

		adapter := payment.NewAdapter(testSecret)
		payload, sig, ts := signedEvent(t, "customer.updated", "pay_x", "sub_1")

		cmd, err := adapter.ProcessEvent(ctx, payload, sig, ts)
		require.NoError(t, err)
		assert.True(t, cmd.IsNoop())
	})

	t.Run("malformed payload", func(t *testing.T) {
		t.Parallel()

		adapter := payment.NewAdapter(testSecret)
		payload := []byte(`{not json`)
		ts := time.Now().Unix()
		sig := payment.Sign(testSecret, ts, payload)

		cmd, err := adapter.ProcessEvent(ctx, payload, sig, ts)
		require.ErrorIs(t, err, payment.ErrInvalidPayload)
		assert.True(t, cmd.IsNoop())
	})
}

type recordingLifecycle struct {
	calls []string
}

func (l *recordingLifecycle) record(op, ref string) (*lifecycle.Subscription, error) {
	l.calls = append(l.calls, op+":"+ref)
	return &lifecycle.Subscription{}, nil
}

func (l *recordingLifecycle) ActivateByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error) {
	return l.record("activate", ref)
}

func (l *recordingLifecycle) RenewByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error) {
	return l.record("renew", ref)
}

func (l *recordingLifecycle) MarkPaymentFailed(ctx context.Context, ref string) (*lifecycle.Subscription, error) {
	return l.record("mark_failed", ref)
}

func (l *recordingLifecycle) Refund(ctx context.Context, ref string) (*lifecycle.Subscription, error) {
	return l.record("refund", ref)
}

func (l *recordingLifecycle) CancelByProviderRef(ctx context.Context, ref string) (*lifecycle.Subscription, error) {
	return l.record("cancel", ref)
}

func TestCommand_Apply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lc := &recordingLifecycle{}

	require.NoError(t, payment.Command{Kind: payment.CommandActivate, Ref: "sub_1"}.Apply(ctx, lc))
	require.NoError(t, payment.Command{Kind: payment.CommandRefund, Ref: "sub_2"}.Apply(ctx, lc))
	require.NoError(t, payment.Noop().Apply(ctx, lc))

	assert.Equal(t, []string{"activate:sub_1", "refund:sub_2"}, lc.calls, "noop must not touch the lifecycle")
}
