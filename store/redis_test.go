package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCoordinator(t *testing.T) *RedisCoordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCoordinator(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisCoordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCoordinator_AcquireAndReleaseLock(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	key := LockKey(ResourceLeader, "cluster")

	ok, err := c.AcquireLock(ctx, key, "node-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("want acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = c.AcquireLock(ctx, key, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("want second acquire by a different owner to fail while held")
	}

	owner, err := c.GetLockOwner(ctx, key)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "node-1" {
		t.Fatalf("want owner node-1, got %q", owner)
	}

	if err := c.ReleaseLock(ctx, key, "node-2"); err != nil {
		t.Fatalf("release by non-owner should no-op, got error: %v", err)
	}
	owner, _ = c.GetLockOwner(ctx, key)
	if owner != "node-1" {
		t.Fatal("release by non-owner must not clear the lock")
	}

	if err := c.ReleaseLock(ctx, key, "node-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	owner, _ = c.GetLockOwner(ctx, key)
	if owner != "" {
		t.Fatalf("want lock free after release, got owner %q", owner)
	}
}

func TestRedisCoordinator_RenewLockRequiresOwnership(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	key := LockKey(ResourceLeader, "cluster")

	if _, err := c.AcquireLock(ctx, key, "node-1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := c.RenewLock(ctx, key, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("want renew by a non-owner to fail")
	}

	ok, err = c.RenewLock(ctx, key, "node-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("want renew by the owner to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCoordinator_LeaseAndEpoch(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	key := LockKey(ResourceLeader, "cluster")

	ok, err := c.AcquireLease(ctx, key, "node-1:req-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire lease: ok=%v err=%v", ok, err)
	}

	isOwner, err := c.IsLeaseOwner(ctx, key, "node-1:req-1")
	if err != nil || !isOwner {
		t.Fatalf("want node-1 to be the lease owner, got %v err=%v", isOwner, err)
	}

	epoch1, err := c.IncrementEpoch(ctx, key)
	if err != nil {
		t.Fatalf("increment epoch: %v", err)
	}
	epoch2, err := c.IncrementEpoch(ctx, key)
	if err != nil {
		t.Fatalf("increment epoch: %v", err)
	}
	if epoch2 != epoch1+1 {
		t.Fatalf("want monotonically increasing epoch, got %d then %d", epoch1, epoch2)
	}

	if err := c.ReleaseLease(ctx, key, "node-1:req-1"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	isOwner, _ = c.IsLeaseOwner(ctx, key, "node-1:req-1")
	if isOwner {
		t.Fatal("want lease owner cleared after release")
	}
}

func TestRedisCoordinator_ScanLocks(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.AcquireLock(ctx, LockKey(ResourceLeader, "cluster"), "node-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.AcquireLock(ctx, LockKey(ResourceService, "iam"), "node-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	keys, err := c.ScanLocks(ctx, LockPrefix(ResourceLeader)+"*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 1 || keys[0] != LockKey(ResourceLeader, "cluster") {
		t.Fatalf("want exactly the leader lock key, got %v", keys)
	}
}
