// Package registry maps a service name to its handler and concurrency
// policy.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/mypostal/fairqueue/store"
)

// Handler performs the side effect for one claimed row. It must be safe to
// invoke once per claim; it is not required to be idempotent, but the retry
// policy assumes the handler signals success only once the downstream
// mutation has committed. Handler must observe ctx cancellation and return
// promptly; the poller settles a cancelled dispatch to Canceled rather than
// Completed or Failed.
type Handler interface {
	Execute(ctx context.Context, row store.QueueRow) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, row store.QueueRow) error

func (f HandlerFunc) Execute(ctx context.Context, row store.QueueRow) error {
	return f(ctx, row)
}

// Policy is a service's scheduling policy: its per-SKU candidate cap and
// its concurrency cap.
type Policy struct {
	ServiceName    string
	PerSKULimit    int
	MaxConcurrency int
}

type entry struct {
	policy  Policy
	handler Handler
}

// Registry maps service_name to {handler, policy}. One variant per
// service, resolved at dispatch time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces the policy and handler for a service.
func (r *Registry) Register(policy Policy, handler Handler) error {
	if policy.ServiceName == "" {
		return fmt.Errorf("registry: service_name must not be empty")
	}
	if policy.PerSKULimit < 1 {
		return fmt.Errorf("registry: %s: per_sku_limit must be >= 1", policy.ServiceName)
	}
	if policy.MaxConcurrency < 1 {
		return fmt.Errorf("registry: %s: max_concurrency must be >= 1", policy.ServiceName)
	}
	if handler == nil {
		return fmt.Errorf("registry: %s: handler must not be nil", policy.ServiceName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[policy.ServiceName] = entry{policy: policy, handler: handler}
	return nil
}

// Policy returns the registered policy for service, or false if unregistered.
func (r *Registry) Policy(service string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[service]
	return e.policy, ok
}

// Handler returns the registered handler for service, or false if unregistered.
func (r *Registry) Handler(service string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[service]
	return e.handler, ok
}

// Services returns the configured service names in registration order is
// not guaranteed; callers needing deterministic iteration order should keep
// their own ordered list from configuration.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
