// Package poller drives the claim-dispatch-settle loop: it turns the
// scheduler's advisory selection into durable progress by claiming each
// selected row, invoking its handler, and persisting the outcome.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mypostal/fairqueue/dispatch"
	"github.com/mypostal/fairqueue/observability"
	"github.com/mypostal/fairqueue/registry"
	"github.com/mypostal/fairqueue/scheduler"
	"github.com/mypostal/fairqueue/store"
	"github.com/mypostal/fairqueue/timeline"
)

// AdmissionGate reports the current admission mode for a service. Backed by
// an in-memory map toggled through the admin freeze/drain endpoint.
type AdmissionGate interface {
	Mode(service string) scheduler.AdmissionMode
}

// Config is the process-wide poller configuration (spec §6: tick_interval,
// max_retries).
type Config struct {
	TickInterval time.Duration
	MaxRetries   int
}

// Poller owns the outer tick loop. One Poller drives every configured
// service in a single process; multi-replica safety is delegated to the
// leader elector upstream (only the elected leader should run a Poller).
type Poller struct {
	store     store.TaskStore
	registry  *registry.Registry
	limiter   *dispatch.TokenBucketLimiter
	breakers  map[string]*dispatch.CircuitBreaker
	admission AdmissionGate
	timeline  *timeline.Store
	publisher Publisher
	cfg       Config
}

// Publisher is the narrow slice of streaming.Publisher the poller needs:
// emitting an observability event after a settle. Out of scope per spec
// §4.4 ("observability hooks fire here ... but must not change outcomes").
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// New constructs a Poller. breakers is keyed by service_name; a service
// with no configured breaker is always admitted.
func New(ts store.TaskStore, reg *registry.Registry, limiter *dispatch.TokenBucketLimiter, breakers map[string]*dispatch.CircuitBreaker, admission AdmissionGate, tl *timeline.Store, pub Publisher, cfg Config) *Poller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Poller{
		store:     ts,
		registry:  reg,
		limiter:   limiter,
		breakers:  breakers,
		admission: admission,
		timeline:  tl,
		publisher: pub,
		cfg:       cfg,
	}
}

// Run drives the tick loop until ctx is canceled. Services are visited in
// the order given by services, deterministically every tick (spec §4.4,
// §5: "configuration order").
func (p *Poller) Run(ctx context.Context, services []string) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, services)
		}
	}
}

// tick runs one full pass over every configured service.
func (p *Poller) tick(ctx context.Context, services []string) {
	start := time.Now()
	defer func() {
		observability.TickDuration.Observe(time.Since(start).Seconds())
	}()

	for _, service := range services {
		if ctx.Err() != nil {
			return
		}
		p.tickService(ctx, service)
	}
}

// tickService runs steps 1a-1c of spec §4.4 for a single service. Errors
// from the initial store reads abort this service's iteration for the
// tick only (§7 propagation rule); they never abort the tick itself.
func (p *Poller) tickService(ctx context.Context, service string) {
	policy, ok := p.registry.Policy(service)
	if !ok {
		return
	}
	handler, ok := p.registry.Handler(service)
	if !ok {
		return
	}

	if p.admission != nil && p.admission.Mode(service) != scheduler.AdmissionNormal {
		observability.SchedulerRejections.WithLabelValues(service, "admission_shed").Inc()
		p.logDecision(scheduler.Decision{Service: service, Outcome: "admission_shed", Timestamp: time.Now()})
		return
	}

	candidates, err := p.store.RankPending(ctx, service, policy.PerSKULimit)
	if err != nil {
		observability.SchedulerRejections.WithLabelValues(service, "store_error").Inc()
		return
	}
	p.samplePending(service, candidates)

	if breaker := p.breakers[service]; breaker != nil {
		inProgress, cerr := p.store.CountInProgress(ctx, service)
		saturation := 0.0
		if cerr == nil && policy.MaxConcurrency > 0 {
			saturation = float64(inProgress) / float64(policy.MaxConcurrency)
		}
		admit := breaker.ShouldAdmit(len(candidates), saturation)
		observability.CircuitState.WithLabelValues(service).Set(float64(breaker.GetState()))
		if !admit {
			observability.SchedulerRejections.WithLabelValues(service, "circuit_open").Inc()
			return
		}
	}

	selected, err := scheduler.Schedule(ctx, p.store, policy)
	if err != nil {
		observability.SchedulerRejections.WithLabelValues(service, "store_error").Inc()
		return
	}
	if len(selected) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.MaxConcurrency)
	for _, row := range selected {
		row := row
		g.Go(func() error {
			p.dispatchOne(gctx, service, handler, row)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchOne claims, dispatches, and settles a single selected row.
func (p *Poller) dispatchOne(ctx context.Context, service string, handler registry.Handler, row store.QueueRow) {
	claimed := row
	claimed.Status = store.StatusInProgress
	if err := p.store.Save(ctx, claimed); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			observability.SchedulerRejections.WithLabelValues(service, "lost_race").Inc()
			return
		}
		return
	}
	observability.TransitionsTotal.WithLabelValues(service, string(store.StatusPending), string(store.StatusInProgress)).Inc()
	observability.InProgressGauge.WithLabelValues(service).Inc()
	p.recordTransition(claimed, "InProgress")
	p.logDecision(scheduler.Decision{
		Service:   service,
		RowID:     claimed.ID,
		SKU:       claimed.ProductSKU,
		TenantID:  claimed.TenantID,
		Outcome:   "claimed",
		Timestamp: time.Now(),
	})

	if p.limiter != nil {
		p.limiter.EnsureLimiter(service)
		if !p.limiter.Allow(service) {
			observability.SchedulerRejections.WithLabelValues(service, "rate_limited").Inc()
		}
	}

	dispatchStart := time.Now()
	execErr := handler.Execute(ctx, claimed)
	observability.DispatchDuration.WithLabelValues(service).Observe(time.Since(dispatchStart).Seconds())
	observability.InProgressGauge.WithLabelValues(service).Dec()

	settled := claimed
	var to store.Status
	switch {
	case ctx.Err() != nil:
		settled.Status = store.StatusCanceled
		to = store.StatusCanceled
		if breaker := p.breakers[service]; breaker != nil {
			breaker.RecordFailure()
		}
	case execErr != nil:
		settled.Status = store.StatusFailed
		settled.RetryCount++
		to = store.StatusFailed
		if breaker := p.breakers[service]; breaker != nil {
			breaker.RecordFailure()
		}
	default:
		settled.Status = store.StatusCompleted
		to = store.StatusCompleted
		if breaker := p.breakers[service]; breaker != nil {
			breaker.RecordSuccess()
		}
	}

	// Retry/dead-letter policy: a Failed row that still has budget is
	// immediately re-queued as Pending via Retrying; once max_retries is
	// exhausted it is dead-lettered and never selected again (§7, scenario 5).
	if to == store.StatusFailed {
		if settled.RetryCount < p.cfg.MaxRetries {
			settled.Status = store.StatusRetrying
			if err := p.store.Save(ctx, settled); err == nil {
				observability.TransitionsTotal.WithLabelValues(service, string(store.StatusInProgress), string(store.StatusRetrying)).Inc()
				observability.RetriesTotal.WithLabelValues(service).Inc()
				p.recordTransition(settled, "Retrying")
				settled.Status = store.StatusPending
				_ = p.store.Save(ctx, settled)
				p.recordTransition(settled, "Pending")
			}
			return
		}
		settled.Status = store.StatusDeadLettered
		if err := p.store.Save(ctx, settled); err == nil {
			observability.TransitionsTotal.WithLabelValues(service, string(store.StatusInProgress), string(store.StatusDeadLettered)).Inc()
			observability.DeadLetteredTotal.WithLabelValues(service).Inc()
			p.recordTransition(settled, "DeadLettered")
		}
		return
	}

	if err := p.store.Save(ctx, settled); err != nil {
		return
	}
	observability.TransitionsTotal.WithLabelValues(service, string(store.StatusInProgress), string(to)).Inc()
	p.recordTransition(settled, string(to))

	if p.publisher != nil {
		_ = p.publisher.Publish(context.Background(), "row.transition", settled)
	}
}

func (p *Poller) recordTransition(row store.QueueRow, stage string) {
	if p.timeline == nil {
		return
	}
	p.timeline.Record(timeline.Transition{
		RowID:    row.ID,
		Stage:    stage,
		Service:  row.ServiceName,
		TenantID: row.TenantID,
		SKU:      row.ProductSKU,
	})
}

// samplePending sets the per-(service, SKU) pending gauge from a ranked
// candidate snapshot. It is a point-in-time sample capped at
// policy.PerSKULimit per SKU, not the true unbounded backlog depth.
func (p *Poller) samplePending(service string, candidates []store.QueueRow) {
	counts := make(map[string]int)
	for _, row := range candidates {
		counts[row.ProductSKU]++
	}
	for sku, n := range counts {
		observability.PendingGauge.WithLabelValues(service, sku).Set(float64(n))
	}
}

// logDecision emits one scheduling-outcome record as a structured log line,
// the audit trail spec §6 calls for alongside the row transition itself.
func (p *Poller) logDecision(d scheduler.Decision) {
	log.Info().
		Str("service", d.Service).
		Str("row_id", d.RowID).
		Str("sku", d.SKU).
		Str("tenant_id", d.TenantID).
		Str("outcome", d.Outcome).
		Time("timestamp", d.Timestamp).
		Msg("scheduling decision")
}
