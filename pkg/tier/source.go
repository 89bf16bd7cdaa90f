package tier

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

type inMemSource struct {
	mu   sync.RWMutex
	defs map[Tier]Definition
}

// NewInMemSource returns an in-memory Source with a deep copy of the given
// definitions. Panics if no definitions are provided so the registry always
// has at least one tier to validate. Copying prevents external modifications
// from affecting the source's state.
func NewInMemSource(defs ...Definition) Source {
	if len(defs) < 1 {
		panic("tier: at least one definition is required")
	}
	copied := make(map[Tier]Definition, len(defs))
	for _, def := range defs {
		def.Capabilities = slices.Clone(def.Capabilities)
		copied[def.ID] = def
	}
	return &inMemSource{defs: copied}
}

// Load returns a copy of all definitions from memory.
func (s *inMemSource) Load(ctx context.Context) (map[Tier]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make(map[Tier]Definition, len(s.defs))
	for id, def := range s.defs {
		def.Capabilities = slices.Clone(def.Capabilities)
		copied[id] = def
	}
	return copied, nil
}

type yamlSource struct {
	path string
}

// NewYAMLSource returns a Source that reads tier definitions from a YAML file.
// The file holds a list of definitions under a top-level "tiers" key.
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

func (s *yamlSource) Load(ctx context.Context) (map[Tier]Definition, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read tier config %s: %w", s.path, err)
	}

	var doc struct {
		Tiers []Definition `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tier config %s: %w", s.path, err)
	}

	defs := make(map[Tier]Definition, len(doc.Tiers))
	for _, def := range doc.Tiers {
		if _, exists := defs[def.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate tier %q in %s", ErrInvalidConfiguration, def.ID, s.path)
		}
		defs[def.ID] = def
	}
	return defs, nil
}

// DefaultDefinitions returns the built-in tier table.
// Prices are INR in paise; quotas use Unlimited (-1) where no cap applies.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:                 TierFree,
			Name:               "Free",
			MonthlyPrice:       Money{Amount: 0, Currency: "INR"},
			DailyQueries:       10,
			MonthlyPredictions: 0,
			PaperArchiveYears:  1,
			BillingCycleDays:   30,
			Capabilities: []Capability{
				CapabilitySubmitQuery,
				CapabilityPaperArchive,
			},
		},
		{
			ID:                 TierStarter,
			Name:               "Starter",
			MonthlyPrice:       Money{Amount: 9900, Currency: "INR"},
			DailyQueries:       50,
			MonthlyPredictions: 10,
			PaperArchiveYears:  5,
			BillingCycleDays:   30,
			Capabilities: []Capability{
				CapabilitySubmitQuery,
				CapabilityPaperArchive,
				CapabilityGeneratePrediction,
				CapabilityDiagrams,
			},
		},
		{
			ID:                 TierPremium,
			Name:               "Premium",
			MonthlyPrice:       Money{Amount: 29900, Currency: "INR"},
			DailyQueries:       200,
			MonthlyPredictions: 50,
			PaperArchiveYears:  10,
			BillingCycleDays:   30,
			Capabilities: []Capability{
				CapabilitySubmitQuery,
				CapabilityPaperArchive,
				CapabilityGeneratePrediction,
				CapabilityDiagrams,
				CapabilityImageSolving,
				CapabilityMockTests,
			},
		},
		{
			ID:                 TierUltimate,
			Name:               "Ultimate",
			MonthlyPrice:       Money{Amount: 49900, Currency: "INR"},
			DailyQueries:       Unlimited,
			MonthlyPredictions: Unlimited,
			PaperArchiveYears:  20,
			BillingCycleDays:   30,
			Capabilities: []Capability{
				CapabilitySubmitQuery,
				CapabilityPaperArchive,
				CapabilityGeneratePrediction,
				CapabilityDiagrams,
				CapabilityImageSolving,
				CapabilityMockTests,
			},
		},
	}
}
