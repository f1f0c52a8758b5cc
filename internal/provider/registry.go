package provider

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// Backend names accepted in provider configuration.
const (
	BackendOpenAI    = "openai"
	BackendGemini    = "gemini"
	BackendAnthropic = "anthropic"
	BackendRealtime  = "perplexity"
	BackendOllama    = "ollama"
)

var defaultBackends = map[models.ProviderID]string{
	models.ProviderGeneral:   BackendOpenAI,
	models.ProviderRealtime:  BackendRealtime,
	models.ProviderReasoning: BackendAnthropic,
	models.ProviderLocal:     BackendOllama,
}

// Registry holds the enabled adapters by provider id.
type Registry struct {
	adapters map[models.ProviderID]Adapter
}

// NewRegistry creates a registry over already constructed adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Build constructs adapters for every enabled provider in cfgs.
func Build(cfgs map[models.ProviderID]Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{adapters: make(map[models.ProviderID]Adapter)}
	for id, cfg := range cfgs {
		if !cfg.Enabled {
			logger.Info("provider disabled", zap.String("provider", string(id)))
			continue
		}
		a, err := newAdapter(id, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.RequestsPerMinute > 0 {
			a = NewRateLimited(a, cfg.RequestsPerMinute)
		}
		r.adapters[id] = a
		logger.Info("provider enabled",
			zap.String("provider", string(id)),
			zap.String("model", a.Model()),
			zap.Int("requests_per_minute", cfg.RequestsPerMinute),
		)
	}
	return r, nil
}

func newAdapter(id models.ProviderID, cfg Config) (Adapter, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = defaultBackends[id]
	}
	if backend != BackendOllama && cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s (%s): api key required", id, backend)
	}

	switch backend {
	case BackendOpenAI:
		return NewOpenAI(id, cfg), nil
	case BackendGemini:
		return NewGemini(id, cfg), nil
	case BackendAnthropic:
		return NewAnthropic(id, cfg), nil
	case BackendRealtime:
		return NewRealtime(id, cfg), nil
	case BackendOllama:
		return NewLocal(id, cfg), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown backend %q", id, backend)
	}
}

// Get returns the adapter for id.
func (r *Registry) Get(id models.ProviderID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Enabled reports whether id has an adapter.
func (r *Registry) Enabled(id models.ProviderID) bool {
	_, ok := r.adapters[id]
	return ok
}

// IDs returns the enabled provider ids in sorted order.
func (r *Registry) IDs() []models.ProviderID {
	ids := make([]models.ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
