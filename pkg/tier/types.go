package tier

// Tier identifies one of the four subscription levels.
// Tiers are totally ordered: free < starter < premium < ultimate.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPremium  Tier = "premium"
	TierUltimate Tier = "ultimate"
)

// tierOrder maps each tier to its rank for ordering comparisons.
// Rank must agree with price ordering; the registry validates this at load.
var tierOrder = map[Tier]int{
	TierFree:     0,
	TierStarter:  1,
	TierPremium:  2,
	TierUltimate: 3,
}

// Known reports whether t is one of the four defined tiers.
func (t Tier) Known() bool {
	_, ok := tierOrder[t]
	return ok
}

// Less reports whether t is a strictly lower tier than other.
// Unknown tiers compare as the lowest possible rank.
func (t Tier) Less(other Tier) bool {
	return tierOrder[t] < tierOrder[other]
}

// AllTiers returns the defined tiers in ascending order.
func AllTiers() []Tier {
	return []Tier{TierFree, TierStarter, TierPremium, TierUltimate}
}

// Capability is a named feature that a tier can grant.
type Capability string

const (
	CapabilitySubmitQuery        Capability = "submit_query"
	CapabilityGeneratePrediction Capability = "generate_prediction"
	CapabilityDiagrams           Capability = "diagrams"
	CapabilityImageSolving       Capability = "image_solving"
	CapabilityMockTests          Capability = "mock_tests"
	CapabilityPaperArchive       Capability = "paper_archive"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilitySubmitQuery:        {},
	CapabilityGeneratePrediction: {},
	CapabilityDiagrams:           {},
	CapabilityImageSolving:       {},
	CapabilityMockTests:          {},
	CapabilityPaperArchive:       {},
}

// Known reports whether c is one of the defined capabilities. Unknown
// capability strings are rejected at startup and at the gate rather than
// producing silent false-denials.
func (c Capability) Known() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// AllCapabilities returns the defined capabilities.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilitySubmitQuery,
		CapabilityGeneratePrediction,
		CapabilityDiagrams,
		CapabilityImageSolving,
		CapabilityMockTests,
		CapabilityPaperArchive,
	}
}

const (
	// Unlimited marks a quota with no limit (-1 chosen for SQL compatibility).
	Unlimited int64 = -1
)

// Money represents a monetary amount in the smallest currency unit.
// For example, Rs. 99.00 would be Amount: 9900, Currency: "INR".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}
