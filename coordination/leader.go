package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mypostal/fairqueue/observability"
	"github.com/mypostal/fairqueue/store"
)

// LockMetadata is the JSON payload stored as the lease value, carrying
// enough context for the janitor to fence or reclaim a stale lease.
type LockMetadata struct {
	OwnerPod  string    `json:"owner_pod"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector runs a single-leader election among scheduler replicas
// sharing one store. Only the elected leader's Poller may claim rows;
// followers stay idle. This is the mechanism §9 calls for when the
// scheduler is deployed with more than one replica.
type LeaderElector struct {
	coordinator store.Coordinator
	epochs      store.DurableEpochStore
	nodeID      string
	lockKey     string
	resourceID  string
	ttl         time.Duration

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64

	onElected func(context.Context)
	onLost    func()

	ctx    context.Context
	cancel context.CancelFunc

	stepDownTime time.Time
	transitions  int64
}

type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// FencedContext returns a context that is cancelled when leadership is
// lost, carrying the fencing epoch under which it was issued.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// GetEpochFromContext extracts the fencing epoch from a context produced
// by FencedContext.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(fencingEpochKey)
	if val == nil {
		return 0, false
	}
	epoch, ok := val.(int64)
	return epoch, ok
}

// GetState returns the elector's internal state, for the debug snapshot.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

// NewLeaderElector builds an elector for the cluster-wide leader resource.
// nodeID identifies this replica in logs and metrics; ttl is the lease
// lifetime, renewed at ttl/3.
func NewLeaderElector(c store.Coordinator, epochs store.DurableEpochStore, nodeID string, ttl time.Duration) *LeaderElector {
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		coordinator: c,
		epochs:      epochs,
		nodeID:      nodeID,
		lockKey:     store.LockKey(store.ResourceLeader, "cluster"),
		resourceID:  "leader_election",
		ttl:         ttl,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) Stop() {
	l.cancel()
	if l.IsLeader() {
		l.release()
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Warn().Err(err).Int("attempt", renewFailures).Int("max", maxRenewFailures).Msg("leader election: renew failed")
					if renewFailures >= maxRenewFailures {
						log.Warn().Msg("leader election: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Warn().Dur("backoff", interval).Msg("leader election: error, backing off")
			} else {
				interval = minInterval
			}

			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	// The epoch comes from the durable store, not Redis, so it survives a
	// coordination-backend flush or restart.
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, l.resourceID)
	if err != nil {
		log.Error().Err(err).Msg("leader election: failed to increment durable epoch")
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		log.Warn().Int64("from", l.currentEpoch).Int64("to", epoch).Msg("leader election: epoch jumped")
		observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LockMetadata{
		OwnerPod:  l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		log.Error().Err(err).Msg("leader election: failed to acquire lease")
		return false, err
	}

	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}

	renewed, err := l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		log.Error().Err(err).Msg("leader election: renew failed")
		return false, err
	}
	return renewed, nil
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return
	}

	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.coordinator.ReleaseLease(ctxt, l.lockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++

	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)

	if !l.stepDownTime.IsZero() {
		transitionDuration := time.Since(l.stepDownTime)
		observability.LeadershipTransitionDuration.Observe(transitionDuration.Seconds())
		log.Info().Str("node_id", l.nodeID).Int64("epoch", l.currentEpoch).Dur("transition", transitionDuration).Msg("leader election: became leader")
		l.stepDownTime = time.Time{}
	} else {
		log.Info().Str("node_id", l.nodeID).Msg("leader election: acquired leadership")
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(l.currentEpoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}

	observability.LeaderStatus.Set(0)
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()

	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()

	log.Info().Str("node_id", l.nodeID).Msg("leader election: lost leadership")
	if l.onLost != nil {
		l.onLost()
	}
}
