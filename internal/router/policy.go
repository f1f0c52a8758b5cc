package router

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Relevance buckets used in policy rules.
const (
	RelevanceHigh = "high"
	RelevanceLow  = "low"
)

// Rule maps a request profile to a canonical provider order. Nil Realtime
// and empty Relevance match anything.
type Rule struct {
	Tier      models.Tier         `yaml:"tier"`
	Realtime  *bool               `yaml:"realtime,omitempty"`
	Relevance string              `yaml:"relevance,omitempty"`
	Providers []models.ProviderID `yaml:"providers"`
}

// Policy is the routing table.
type Policy struct {
	RelevanceCut float64 `yaml:"relevance_cut"`
	Rules        []Rule  `yaml:"rules"`
}

// DefaultPolicy returns the built-in routing table.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in routing policy: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file, or returns the default when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse routing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks provider names, relevance buckets and that every tier has
// a catch-all rule.
func (p *Policy) Validate() error {
	if p.RelevanceCut <= 0 || p.RelevanceCut >= 1 {
		return fmt.Errorf("relevance_cut must be in (0,1), got %v", p.RelevanceCut)
	}
	catchAll := make(map[models.Tier]bool)
	for i, r := range p.Rules {
		switch r.Tier {
		case models.TierSimple, models.TierModerate, models.TierComplex, models.TierUrgent:
		default:
			return fmt.Errorf("rule %d: unknown tier %q", i, r.Tier)
		}
		switch r.Relevance {
		case "", RelevanceHigh, RelevanceLow:
		default:
			return fmt.Errorf("rule %d: unknown relevance bucket %q", i, r.Relevance)
		}
		if len(r.Providers) == 0 {
			return fmt.Errorf("rule %d: no providers", i)
		}
		seen := make(map[models.ProviderID]bool)
		for _, id := range r.Providers {
			if _, err := models.ParseProviderID(string(id)); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			if seen[id] {
				return fmt.Errorf("rule %d: provider %s listed twice", i, id)
			}
			seen[id] = true
		}
		if r.Realtime == nil && r.Relevance == "" {
			catchAll[r.Tier] = true
		}
	}
	for _, t := range []models.Tier{models.TierSimple, models.TierModerate, models.TierComplex, models.TierUrgent} {
		if !catchAll[t] {
			return fmt.Errorf("tier %s has no catch-all rule", t)
		}
	}
	return nil
}

// Canonical returns the provider order of the first matching rule.
func (p *Policy) Canonical(a models.QueryAnalysis) []models.ProviderID {
	bucket := RelevanceLow
	if a.PoliticalRelevance >= p.RelevanceCut {
		bucket = RelevanceHigh
	}
	for _, r := range p.Rules {
		if r.Tier != a.Tier {
			continue
		}
		if r.Realtime != nil && *r.Realtime != a.RequiresRealTimeData {
			continue
		}
		if r.Relevance != "" && r.Relevance != bucket {
			continue
		}
		return r.Providers
	}
	return nil
}
