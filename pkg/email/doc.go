// Package email sends transactional emails for the billing system.
//
// The package is built around the EmailSender interface so providers can be
// swapped without changing application code:
//   - NewPostmarkClient for production delivery with open and click tracking
//   - NewDevSender for local development (saves emails to disk)
//
// On top of the sender it provides RenewalReminder, the mailer behind the
// daily upcoming-renewal scan. It resolves the recipient through an
// AddressBook, renders the reminder body, and delivers it through whichever
// EmailSender is configured.
//
// # Usage
//
//	client, err := email.NewPostmarkClient(cfg)
//	if err != nil {
//	    // handle configuration error
//	}
//
//	reminder := email.NewRenewalReminder(client, addressBook, tiers)
//	mgr := lifecycle.NewManager(store, tiers, lifecycle.WithReminderSender(reminder))
//
// # Error Handling
//
// The package provides sentinel errors for common failure scenarios:
//   - ErrInvalidConfig: configuration validation failed
//   - ErrInvalidParams: email parameters validation failed
//   - ErrFailedToSendEmail: delivery failed
//
// All errors can be checked with errors.Is.
package email
