package tier

import (
	"slices"
	"time"
)

// Definition describes one tier: its price, period quotas, and capability set.
// Definitions are read-only configuration; the registry validates them at load
// so unknown tiers or non-superset capability tables fail at startup instead of
// producing silent false denials at runtime.
type Definition struct {
	ID                 Tier         `yaml:"id"`
	Name               string       `yaml:"name"`
	MonthlyPrice       Money        `yaml:"monthly_price"`
	DailyQueries       int64        `yaml:"daily_queries"`       // -1 for unlimited
	MonthlyPredictions int64        `yaml:"monthly_predictions"` // -1 for unlimited
	PaperArchiveYears  int          `yaml:"paper_archive_years"` // how far back previous-years papers reach
	Capabilities       []Capability `yaml:"capabilities"`
	BillingCycleDays   int          `yaml:"billing_cycle_days"`
}

// Grants reports whether the tier's capability set contains cap.
func (d Definition) Grants(cap Capability) bool {
	return slices.Contains(d.Capabilities, cap)
}

// DailyPrice returns the per-day price in minor units, used for proration.
// Returns 0 for free tiers or a zero-length billing cycle.
func (d Definition) DailyPrice() int64 {
	if d.BillingCycleDays <= 0 {
		return 0
	}
	return d.MonthlyPrice.Amount / int64(d.BillingCycleDays)
}

// CycleDuration returns the billing cycle as a duration.
func (d Definition) CycleDuration() time.Duration {
	return time.Duration(d.BillingCycleDays) * 24 * time.Hour
}

// Comparison contains the differences between two tier definitions.
// Used to communicate what a tier change gains or loses to users.
type Comparison struct {
	NewCapabilities  []Capability
	LostCapabilities []Capability
	QuotaChanges     map[string]QuotaChange
}

// QuotaChange represents a change in a period quota.
type QuotaChange struct {
	From int64
	To   int64
}

// Compare returns the differences between the current and target definitions.
func Compare(current, target *Definition) *Comparison {
	if current == nil || target == nil {
		return nil
	}

	c := &Comparison{
		NewCapabilities:  make([]Capability, 0),
		LostCapabilities: make([]Capability, 0),
		QuotaChanges:     make(map[string]QuotaChange),
	}

	for _, cap := range target.Capabilities {
		if !slices.Contains(current.Capabilities, cap) {
			c.NewCapabilities = append(c.NewCapabilities, cap)
		}
	}
	for _, cap := range current.Capabilities {
		if !slices.Contains(target.Capabilities, cap) {
			c.LostCapabilities = append(c.LostCapabilities, cap)
		}
	}

	if current.DailyQueries != target.DailyQueries {
		c.QuotaChanges["daily_queries"] = QuotaChange{From: current.DailyQueries, To: target.DailyQueries}
	}
	if current.MonthlyPredictions != target.MonthlyPredictions {
		c.QuotaChanges["monthly_predictions"] = QuotaChange{From: current.MonthlyPredictions, To: target.MonthlyPredictions}
	}

	return c
}
