package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Router manages multiple LLM providers and routes requests per agent.
type Router struct {
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	bindings  map[string]string   // agent -> providerID
	fallbacks map[string][]string // agent -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Limit caps calls to one provider at rps requests per second.
func (r *Router) Limit(providerID string, rps float64, burst int) {
	if rps <= 0 {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[providerID] = rate.NewLimiter(rate.Limit(rps), burst)
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agent, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agent] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agent string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agent] = providerIDs
}

// Route sends a chat request through the provider bound to agent, walking
// the fallback chain on failure. The last error is returned wrapped.
func (r *Router) Route(ctx context.Context, agent string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.providerFor(agent)
	chain := append([]string(nil), r.fallbacks[agent]...)
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agent)
	}

	resp, err := r.call(ctx, primary, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if len(chain) > 0 {
		r.logger.Warn("primary provider failed, trying fallbacks",
			zap.String("agent", agent), zap.String("provider", primary.ID()), zap.Error(err))
	}

	for _, fbID := range chain {
		r.mu.RLock()
		fb, ok := r.providers[fbID]
		r.mu.RUnlock()
		if !ok || fbID == primary.ID() {
			continue
		}
		resp, err = r.call(ctx, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for agent %s: %w", agent, err)
}

func (r *Router) call(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	lim := r.limiters[p.ID()]
	r.mu.RUnlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", p.ID(), err)
		}
	}
	return p.Chat(ctx, req)
}

func (r *Router) providerFor(agent string) Provider {
	if pid, ok := r.bindings[agent]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// New builds a provider from its config by type.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for %s", cfg.Type, cfg.ID)
	}
}
