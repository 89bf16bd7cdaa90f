package usage

import (
	"time"

	"github.com/google/uuid"
)

// Resource identifies a metered resource kind. Each kind rolls over on its
// own period: daily queries reset every UTC day, predictions every UTC month.
type Resource string

const (
	ResourceDailyQueries       Resource = "daily_queries"
	ResourceMonthlyPredictions Resource = "monthly_predictions"
)

// Period is the rollover cadence of a resource.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Known reports whether r is one of the metered resource kinds.
func (r Resource) Known() bool {
	return r == ResourceDailyQueries || r == ResourceMonthlyPredictions
}

// PeriodOf returns the rollover period for a resource.
func (r Resource) PeriodOf() Period {
	if r == ResourceMonthlyPredictions {
		return PeriodMonthly
	}
	return PeriodDaily
}

const (
	dailyKeyLayout   = "2006-01-02"
	monthlyKeyLayout = "2006-01"
)

// PeriodKey returns the period key for a resource at the given instant.
// Keys are always computed in UTC: daily "2006-01-02", monthly "2006-01".
func PeriodKey(r Resource, at time.Time) string {
	at = at.UTC()
	if r.PeriodOf() == PeriodMonthly {
		return at.Format(monthlyKeyLayout)
	}
	return at.Format(dailyKeyLayout)
}

// Record is one user's counter for one resource in one period.
// The limit is a snapshot of the quota in force when the record was created,
// so a later downgrade does not retroactively shrink an already-granted
// period's quota. Counters are monotonically non-decreasing within a period.
type Record struct {
	UserID        uuid.UUID
	Resource      Resource
	PeriodKey     string
	Count         int64
	Limit         int64 // snapshot; -1 means unlimited
	WarningRaised bool
	FeatureTally  map[string]int64 // analytics only, never consulted for enforcement
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns limit minus count, never negative.
// Returns the unlimited sentinel when the snapshot limit is unlimited.
func (r *Record) Remaining() int64 {
	if r.Limit == Unlimited {
		return Unlimited
	}
	return max(r.Limit-r.Count, 0)
}

// Unlimited marks a snapshot limit with no cap. Kept as a distinct sentinel
// rather than a very large number so limit math never overflows.
const Unlimited int64 = -1

// warningThreshold is the fraction of the quota at which the one-shot
// warning flag is raised.
const warningThreshold = 0.8

// UsageInfo is a read-only summary of one resource for dashboards.
type UsageInfo struct {
	Resource  Resource `json:"resource"`
	PeriodKey string   `json:"period_key"`
	Count     int64    `json:"count"`
	Limit     int64    `json:"limit"`
	Remaining int64    `json:"remaining"`
}
