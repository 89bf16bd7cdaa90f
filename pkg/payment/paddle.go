package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/tier"
)

// CheckoutRequest contains data needed to create a hosted checkout session.
type CheckoutRequest struct {
	Tier       tier.Tier
	UserID     uuid.UUID
	Email      string // optional billing email
	SuccessURL string // redirect after successful payment
}

// CheckoutLink represents a hosted checkout session.
type CheckoutLink struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// PortalLink represents a customer portal session where users manage their
// payment method or cancel.
type PortalLink struct {
	URL       string
	CancelURL string
	ExpiresAt time.Time
}

// CheckoutProvider is the hosted-checkout side of the payment provider.
// Hosted checkouts and portals keep card data entirely with the provider.
type CheckoutProvider interface {
	CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)
	GetCustomerPortalLink(ctx context.Context, customerID, subscriptionRef string) (*PortalLink, error)
}

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey      string `env:"PADDLE_API_KEY,required"`
	Environment string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`

	// PriceIDs maps each paid tier to its Paddle catalog price id.
	PriceIDs map[tier.Tier]string
}

// PaddleProvider implements CheckoutProvider and ChargeProvider for Paddle.
type PaddleProvider struct {
	client *paddle.SDK
	config PaddleConfig
}

// NewPaddleProvider creates a Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: paddle API key is required", ErrInvalidConfiguration)
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: invalid paddle environment: %s", ErrInvalidConfiguration, config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("create paddle client: %w", err)
	}

	return &PaddleProvider{client: client, config: config}, nil
}

func (p *PaddleProvider) priceID(t tier.Tier) (string, error) {
	id, ok := p.config.PriceIDs[t]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: no paddle price configured for tier %q", ErrInvalidConfiguration, t)
	}
	return id, nil
}

// CreateCheckoutLink creates a hosted checkout session for the given tier.
// The user id travels in custom data and comes back in webhook events.
func (p *PaddleProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	priceID, err := p.priceID(req.Tier)
	if err != nil {
		return nil, err
	}
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidConfiguration)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": req.UserID.String(),
			"tier":    string(req.Tier),
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("create paddle transaction: %w", err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, errors.New("no checkout URL returned from paddle")
	}

	return &CheckoutLink{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		// Paddle checkout links typically expire in 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetCustomerPortalLink returns a pre-authenticated link to Paddle's
// customer portal. customerID is the Paddle customer id (ctm_xxx).
func (p *PaddleProvider) GetCustomerPortalLink(ctx context.Context, customerID, subscriptionRef string) (*PortalLink, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidConfiguration)
	}

	req := &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	}
	if subscriptionRef != "" {
		req.SubscriptionIDs = []string{subscriptionRef}
	}

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create paddle customer portal session: %w", err)
	}

	link := &PortalLink{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	for _, subURL := range session.URLs.Subscriptions {
		if subURL.ID == subscriptionRef && subURL.CancelSubscription != "" {
			link.CancelURL = subURL.CancelSubscription
			break
		}
	}

	if link.URL == "" {
		return nil, errors.New("no portal URL returned from paddle")
	}
	return link, nil
}

// Charge bills the tier's catalog price as an off-session transaction
// against the customer behind the subscription reference.
func (p *PaddleProvider) Charge(ctx context.Context, providerRef string, t tier.Tier, amount tier.Money) error {
	priceID, err := p.priceID(t)
	if err != nil {
		return err
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	_, err = p.client.TransactionsClient.CreateTransaction(ctx, &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"subscription_ref": providerRef,
			"renewal":          "true",
		},
	})
	if err != nil {
		return fmt.Errorf("create paddle renewal transaction: %w", err)
	}
	return nil
}
