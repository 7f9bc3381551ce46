package poller

import (
	"sync"

	"github.com/mypostal/fairqueue/scheduler"
)

// MapAdmissionGate is a concurrency-safe, in-memory AdmissionGate. The
// admin freeze/drain endpoint writes to it; the poller only reads.
type MapAdmissionGate struct {
	mu    sync.RWMutex
	modes map[string]scheduler.AdmissionMode
}

func NewMapAdmissionGate() *MapAdmissionGate {
	return &MapAdmissionGate{modes: make(map[string]scheduler.AdmissionMode)}
}

// Mode returns the current mode for service, defaulting to AdmissionNormal
// for any service never explicitly set.
func (g *MapAdmissionGate) Mode(service string) scheduler.AdmissionMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if m, ok := g.modes[service]; ok {
		return m
	}
	return scheduler.AdmissionNormal
}

// Set updates the admission mode for service.
func (g *MapAdmissionGate) Set(service string, mode scheduler.AdmissionMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[service] = mode
}

// All returns a snapshot of every service with a non-default mode set.
func (g *MapAdmissionGate) All() map[string]scheduler.AdmissionMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]scheduler.AdmissionMode, len(g.modes))
	for k, v := range g.modes {
		out[k] = v
	}
	return out
}
