package store

import "fmt"

// Resource identifies a class of coordination key in the lock/lease
// namespace.
type Resource string

const (
	// ResourceLeader is the cluster-wide leader election resource.
	ResourceLeader Resource = "leader"
	// ResourceService scopes a lock/lease to one service's poll iteration,
	// used when multiple scheduler replicas share a store (see §9).
	ResourceService Resource = "service"
)

// LockKey constructs a namespaced coordination key.
// Format: fairqueue:lock:{resource}:{id}
func LockKey(resource Resource, id string) string {
	return fmt.Sprintf("fairqueue:lock:%s:%s", resource, id)
}

// LockPrefix constructs a scan pattern for all keys under a resource class.
// Format: fairqueue:lock:{resource}:
func LockPrefix(resource Resource) string {
	return fmt.Sprintf("fairqueue:lock:%s:", resource)
}
