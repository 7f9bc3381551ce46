package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mypostal/fairqueue/store"
)

// LockJanitor periodically scans the lock/lease namespace and force-releases
// leases that are either fenced (an older epoch than the current durable
// epoch) or physically stale (past their recorded expiry plus a grace
// window). It exists so a crashed leader's lease does not block election
// for a full TTL longer than necessary.
type LockJanitor struct {
	coordinator store.Coordinator
	epochs      store.DurableEpochStore
	resourceID  string
	interval    time.Duration
}

func NewLockJanitor(c store.Coordinator, epochs store.DurableEpochStore, interval time.Duration) *LockJanitor {
	return &LockJanitor{
		coordinator: c,
		epochs:      epochs,
		resourceID:  "leader_election",
		interval:    interval,
	}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	currentEpoch, err := j.epochs.GetDurableEpoch(ctx, j.resourceID)
	if err != nil {
		log.Error().Err(err).Msg("janitor: failed to get durable epoch")
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, store.LockPrefix(store.ResourceLeader)+"*")
	if err != nil {
		log.Error().Err(err).Msg("janitor: scan failed")
		return
	}

	for _, key := range keys {
		if len(key) > 6 && key[len(key)-6:] == ":epoch" {
			continue
		}

		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("janitor: failed to unmarshal lock")
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Warn().Str("key", key).Int64("lock_epoch", meta.Epoch).Int64("current_epoch", currentEpoch).Msg("janitor: fencing lock")
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Error().Err(err).Str("key", key).Msg("janitor: failed to release fenced lock")
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Warn().Str("key", key).Time("expired_at", meta.ExpiresAt).Msg("janitor: found stale lock")
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Error().Err(err).Str("key", key).Msg("janitor: failed to release stale lock")
			} else {
				log.Info().Str("key", key).Msg("janitor: reclaimed lock")
			}
		}
	}
}
