package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/google/uuid"

	"github.com/prepstack/entitlements/pkg/lifecycle"
	"github.com/prepstack/entitlements/pkg/tier"
)

// AddressBook resolves a user ID to the address notifications are sent to.
// The account system owns user profiles; this package only needs the lookup.
type AddressBook interface {
	EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error)
}

var reminderTmpl = template.Must(template.New("renewal_reminder").Parse(`<html>
<body>
  <p>Hi,</p>
  <p>Your <strong>{{.TierName}}</strong> plan renews on {{.RenewsOn}}.
  We will charge {{.Amount}} to your saved payment method.</p>
  <p>No action is needed if you want to keep your plan. To cancel or change
  your plan, visit your subscription settings before the renewal date.</p>
</body>
</html>`))

type reminderData struct {
	TierName string
	Amount   string
	RenewsOn string
}

// RenewalReminder notifies users whose paid subscription renews soon.
// It satisfies the lifecycle manager's ReminderSender hook.
type RenewalReminder struct {
	sender EmailSender
	book   AddressBook
	tiers  *tier.Registry
}

// NewRenewalReminder creates a reminder mailer. All dependencies are required.
func NewRenewalReminder(sender EmailSender, book AddressBook, tiers *tier.Registry) *RenewalReminder {
	if sender == nil {
		panic("email: sender is required")
	}
	if book == nil {
		panic("email: address book is required")
	}
	if tiers == nil {
		panic("email: tier registry is required")
	}
	return &RenewalReminder{sender: sender, book: book, tiers: tiers}
}

// SendRenewalReminder composes and delivers the upcoming-renewal email for sub.
func (r *RenewalReminder) SendRenewalReminder(ctx context.Context, sub *lifecycle.Subscription) error {
	addr, err := r.book.EmailByUserID(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	def, err := r.tiers.Definition(sub.Tier)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := reminderTmpl.Execute(&body, reminderData{
		TierName: def.Name,
		Amount:   formatAmount(def.MonthlyPrice),
		RenewsOn: sub.EndsAt.Format("2 January 2006"),
	}); err != nil {
		return fmt.Errorf("render reminder: %w", err)
	}

	return r.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   addr,
		Subject:  fmt.Sprintf("Your %s plan renews on %s", def.Name, sub.EndsAt.Format("2 January")),
		BodyHTML: body.String(),
		Tag:      "renewal-reminder",
	})
}

// formatAmount renders a Money value for display, e.g. "INR 299.00".
func formatAmount(m tier.Money) string {
	return fmt.Sprintf("%s %.2f", m.Currency, float64(m.Amount)/100)
}
