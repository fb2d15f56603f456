// Package registry implements the in-memory service registry: the
// authoritative name -> instances mapping consulted on every proxied
// request. Reads never block behind a write for longer than a map lookup
// and a slice copy; writes replace a service's instance slice wholesale so
// a reader never observes a partially updated record.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/clock"
	"github.com/meshgate/meshgate/internal/types"
)

// HealthStatus is an alias for the shared health status type.
type HealthStatus = types.HealthStatus

const (
	HealthUnknown   = types.HealthUnknown
	HealthHealthy   = types.HealthHealthy
	HealthUnhealthy = types.HealthUnhealthy
	HealthDegraded  = types.HealthDegraded
)

// ErrInvalidDescriptor is returned by Register when the name, target, or
// health check path is missing or malformed.
var ErrInvalidDescriptor = errors.New("invalid service descriptor")

// ErrUnknownInstance is returned by Heartbeat and UpdateHealth when the
// instance id is not present in the registry.
var ErrUnknownInstance = errors.New("unknown instance")

// Instance is a concrete, addressable backend registered under a service
// name. Instances are always handled by value; nothing in this package
// hands out a pointer into registry-owned storage.
type Instance struct {
	ServiceName     string
	ServiceID       string
	Address         string // host name or IP, without the port
	Scheme          string
	Port            int
	Version         string
	HealthCheckPath string
	Status          HealthStatus
	Metadata        map[string]string
	RegisteredAt    time.Time
	LastHealthCheck time.Time
	LastHeartbeat   time.Time
}

// URL returns the full backend base URL for this instance.
func (i Instance) URL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Address, i.Port)
}

// Registration describes a service instance at registration time.
type Registration struct {
	ServiceName     string
	ServiceID       string // optional; generated when empty
	Address         string
	Scheme          string
	Port            int
	Version         string
	HealthCheckPath string
	Metadata        map[string]string
}

// Registry is the in-memory, copy-on-write service registry.
type Registry struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	services map[string][]Instance // keyed by lowercase service name
	byID     map[string]string     // instance id -> lowercase service name
}

// New creates an empty in-memory Registry.
func New(logger *slog.Logger) *Registry {
	return NewWithClock(logger, clock.System{})
}

// NewWithClock creates a Registry with an injectable clock, for tests.
func NewWithClock(logger *slog.Logger, c clock.Clock) *Registry {
	return &Registry{
		logger:   logger,
		clock:    c,
		services: make(map[string][]Instance),
		byID:     make(map[string]string),
	}
}

// Register adds a new instance, returning its instance id.
func (r *Registry) Register(reg Registration) (string, error) {
	if reg.ServiceName == "" || reg.Address == "" || reg.Port <= 0 {
		return "", fmt.Errorf("%w: name, address, and port are required", ErrInvalidDescriptor)
	}
	if reg.HealthCheckPath == "" {
		return "", fmt.Errorf("%w: health check path is required", ErrInvalidDescriptor)
	}
	if reg.Scheme != "" && reg.Scheme != "http" && reg.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDescriptor, reg.Scheme)
	}
	if _, err := url.Parse(fmt.Sprintf("%s://%s:%d", schemeOrDefault(reg.Scheme), reg.Address, reg.Port)); err != nil {
		return "", fmt.Errorf("%w: malformed target: %v", ErrInvalidDescriptor, err)
	}

	id := reg.ServiceID
	if id == "" {
		id = fmt.Sprintf("%s-%d", reg.ServiceName, r.clock.Now().UnixNano())
	}

	meta := make(map[string]string, len(reg.Metadata))
	for k, v := range reg.Metadata {
		meta[k] = v
	}

	now := r.clock.Now().UTC()
	inst := Instance{
		ServiceName:     reg.ServiceName,
		ServiceID:       id,
		Address:         reg.Address,
		Scheme:          schemeOrDefault(reg.Scheme),
		Port:            reg.Port,
		Version:         reg.Version,
		HealthCheckPath: reg.HealthCheckPath,
		Status:          HealthUnknown,
		Metadata:        meta,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}

	key := strings.ToLower(reg.ServiceName)

	r.mu.Lock()
	existing := r.services[key]
	next := make([]Instance, 0, len(existing)+1)
	for _, e := range existing {
		if e.ServiceID == id {
			continue // replace a re-registration of the same id
		}
		next = append(next, e)
	}
	next = append(next, inst)
	sort.Slice(next, func(a, b int) bool { return next[a].ServiceID < next[b].ServiceID })
	r.services[key] = next
	r.byID[id] = key
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("instance registered", "service", reg.ServiceName, "instance_id", id)
	}
	return id, nil
}

// Deregister removes an instance. Idempotent: deregistering an absent id
// succeeds silently.
func (r *Registry) Deregister(instanceID string) error {
	r.mu.Lock()
	key, ok := r.byID[instanceID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, instanceID)

	existing := r.services[key]
	next := make([]Instance, 0, len(existing))
	for _, e := range existing {
		if e.ServiceID != instanceID {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(r.services, key)
	} else {
		r.services[key] = next
	}
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("instance deregistered", "instance_id", instanceID)
	}
	return nil
}

// Heartbeat records a client-reported liveness signal for an instance.
func (r *Registry) Heartbeat(instanceID string, status HealthStatus, at time.Time) error {
	return r.mutateInstance(instanceID, func(inst *Instance) {
		inst.Status = status
		inst.LastHeartbeat = at
	})
}

// UpdateHealth records a health-prober-observed outcome for an instance.
// Called only by the health prober.
func (r *Registry) UpdateHealth(instanceID string, status HealthStatus, _ string) error {
	return r.mutateInstance(instanceID, func(inst *Instance) {
		inst.Status = status
		inst.LastHealthCheck = r.clock.Now().UTC()
	})
}

// UpdateMetadata merges the given key/value pairs into an instance's
// metadata, overwriting any existing keys of the same name.
func (r *Registry) UpdateMetadata(instanceID string, metadata map[string]string) error {
	return r.mutateInstance(instanceID, func(inst *Instance) {
		merged := make(map[string]string, len(inst.Metadata)+len(metadata))
		for k, v := range inst.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		inst.Metadata = merged
	})
}

func (r *Registry) mutateInstance(instanceID string, mutate func(*Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byID[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}

	existing := r.services[key]
	next := make([]Instance, len(existing))
	copy(next, existing)
	for i := range next {
		if next[i].ServiceID == instanceID {
			mutate(&next[i])
			break
		}
	}
	r.services[key] = next
	return nil
}

// Discover returns the instances of a service currently in healthy state.
// An empty slice is a valid result, not an error. When versionFilter is
// non-empty, only instances with a matching Version are returned.
func (r *Registry) Discover(serviceName, versionFilter string) []Instance {
	all, _ := r.GetInstances(serviceName)
	out := make([]Instance, 0, len(all))
	for _, inst := range all {
		if inst.Status != HealthHealthy {
			continue
		}
		if versionFilter != "" && inst.Version != versionFilter {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// GetInstances returns every instance of a service regardless of health,
// satisfying router.InstanceProvider so load-balancing strategies can apply
// their own health-filtering policy.
func (r *Registry) GetInstances(serviceName string) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing := r.services[strings.ToLower(serviceName)]
	out := make([]Instance, len(existing))
	copy(out, existing)
	return out, nil
}

// GetInstance returns a single instance by id, or nil if absent.
func (r *Registry) GetInstance(instanceID string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byID[instanceID]
	if !ok {
		return nil
	}
	for _, inst := range r.services[key] {
		if inst.ServiceID == instanceID {
			out := inst
			return &out
		}
	}
	return nil
}

// GetServices returns the names of all services with at least one instance.
func (r *Registry) GetServices() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for _, instances := range r.services {
		if len(instances) == 0 {
			continue
		}
		names = append(names, instances[0].ServiceName)
	}
	sort.Strings(names)
	return names, nil
}

// Snapshot returns a consistent view of every instance in every service,
// for the admin API.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Instance
	for _, instances := range r.services {
		out = append(out, instances...)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ServiceID < out[b].ServiceID })
	return out
}

// EvictStaleHeartbeats removes every instance, static or dynamic, whose last
// heartbeat is older than maxAge, for registries that rely on client
// heartbeats rather than prober-driven health alone.
func (r *Registry) EvictStaleHeartbeats(maxAge time.Duration) []string {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.Lock()
	var evicted []string
	for key, instances := range r.services {
		next := instances[:0:0]
		for _, inst := range instances {
			if inst.LastHeartbeat.Before(cutoff) {
				evicted = append(evicted, inst.ServiceID)
				delete(r.byID, inst.ServiceID)
				continue
			}
			next = append(next, inst)
		}
		if len(next) == 0 {
			delete(r.services, key)
		} else {
			r.services[key] = next
		}
	}
	r.mu.Unlock()

	return evicted
}

func schemeOrDefault(s string) string {
	if s == "" {
		return "http"
	}
	return s
}
