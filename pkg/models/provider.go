package models

import "fmt"

// ProviderID identifies one of the inference backends. The set is closed.
type ProviderID string

const (
	ProviderGeneral   ProviderID = "general"
	ProviderRealtime  ProviderID = "realtime"
	ProviderReasoning ProviderID = "reasoning"
	ProviderLocal     ProviderID = "local"
)

// AllProviders lists every provider in canonical order.
var AllProviders = []ProviderID{ProviderGeneral, ProviderRealtime, ProviderReasoning, ProviderLocal}

// ParseProviderID validates a provider name.
func ParseProviderID(s string) (ProviderID, error) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// IsFree reports whether the provider never incurs spend.
func (p ProviderID) IsFree() bool {
	return p == ProviderLocal
}
