// Package registrysync mirrors the in-memory registry into a Consul
// catalog so peer gateways and external operators can discover instances
// through Consul as well as through the admin API. It is a side channel:
// Consul is never consulted on the request hot path.
package registrysync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/meshgate/meshgate/internal/registry"
)

// Reserved metadata keys used to round-trip fields Consul's service catalog
// has no dedicated slot for. Stripped back out of Metadata on Pull so they
// never leak into the admin API's view of an instance's own metadata.
const (
	metaScheme          = "_meshgate_scheme"
	metaHealthCheckPath = "_meshgate_health_check_path"
	metaVersion         = "_meshgate_version"
)

// Syncer mirrors registry instances into Consul using TTL-based health
// checks that track the registry's own health view.
type Syncer struct {
	client *api.Client
	logger *slog.Logger
}

// New creates a Syncer talking to the Consul agent at addr. If addr is
// empty, it still builds a client against the default local agent, but
// callers should only invoke Run when sync is actually enabled.
func New(addr string, logger *slog.Logger) (*Syncer, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &Syncer{client: client, logger: logger}, nil
}

// Mirror pushes the current state of one instance into Consul, registering
// it if needed and updating its TTL check to match the registry's health.
func (s *Syncer) Mirror(inst registry.Instance) error {
	checkID := fmt.Sprintf("service:%s", inst.ServiceID)

	meta := make(map[string]string, len(inst.Metadata)+3)
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	meta[metaScheme] = inst.Scheme
	meta[metaHealthCheckPath] = inst.HealthCheckPath
	meta[metaVersion] = inst.Version

	reg := &api.AgentServiceRegistration{
		ID:      inst.ServiceID,
		Name:    inst.ServiceName,
		Address: inst.Address,
		Port:    inst.Port,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID,
			Name:                           fmt.Sprintf("%s mirrored health", inst.ServiceName),
			TTL:                            (2 * time.Minute).String(),
			DeregisterCriticalServiceAfter: (5 * time.Minute).String(),
		},
	}

	if err := s.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul mirror register: %w", err)
	}

	switch inst.Status {
	case registry.HealthHealthy:
		return s.client.Agent().PassTTL(checkID, "mirrored healthy")
	case registry.HealthUnhealthy:
		return s.client.Agent().FailTTL(checkID, "mirrored unhealthy")
	case registry.HealthDegraded:
		return s.client.Agent().WarnTTL(checkID, "mirrored degraded")
	default:
		return s.client.Agent().WarnTTL(checkID, "mirrored unknown")
	}
}

// Unmirror removes an instance from the Consul catalog after it is
// deregistered from the in-memory registry.
func (s *Syncer) Unmirror(instanceID string) error {
	if err := s.client.Agent().ServiceDeregister(instanceID); err != nil {
		return fmt.Errorf("consul mirror deregister: %w", err)
	}
	return nil
}

// RunOnce mirrors every instance currently in the registry's snapshot. It
// is intended to be called on an interval by the owning process; failures
// for individual instances are logged and do not stop the sweep.
func (s *Syncer) RunOnce(reg *registry.Registry) {
	for _, inst := range reg.Snapshot() {
		if err := s.Mirror(inst); err != nil && s.logger != nil {
			s.logger.Warn("consul mirror failed", "instance_id", inst.ServiceID, "error", err)
		}
	}
}

// Pull reads every service instance currently in the Consul catalog and
// upserts it into reg, so a registration made through another process's
// admin API (or loaded from that process's own static service file)
// eventually becomes visible here too. This is the read half of the
// mirror: without it, Consul is a write-only side channel and independent
// gateway/admin API/health-monitor processes never converge on the same
// instance set.
//
// Pull never deregisters. An instance this process just registered but
// hasn't mirrored yet would otherwise be evicted by its own absence from
// the catalog on the very next tick; convergence happens through repeated
// registration instead, at the cost of not noticing deregistrations until
// the owning process's own Unmirror call removes the entry from Consul.
func (s *Syncer) Pull(reg *registry.Registry) error {
	services, _, err := s.client.Catalog().Services(nil)
	if err != nil {
		return fmt.Errorf("consul pull services: %w", err)
	}

	for name := range services {
		if name == "consul" {
			continue
		}

		entries, _, err := s.client.Health().Service(name, "", false, nil)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("consul pull service failed", "service", name, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			inst := instanceFromEntry(entry)

			if _, err := reg.Register(registry.Registration{
				ServiceName:     inst.ServiceName,
				ServiceID:       inst.ServiceID,
				Address:         inst.Address,
				Scheme:          inst.Scheme,
				Port:            inst.Port,
				Version:         inst.Version,
				HealthCheckPath: inst.HealthCheckPath,
				Metadata:        inst.Metadata,
			}); err != nil {
				if s.logger != nil {
					s.logger.Warn("consul pull register failed", "instance_id", inst.ServiceID, "error", err)
				}
				continue
			}
			if err := reg.UpdateHealth(inst.ServiceID, inst.Status, "pulled from consul"); err != nil && s.logger != nil {
				s.logger.Warn("consul pull health update failed", "instance_id", inst.ServiceID, "error", err)
			}
		}
	}
	return nil
}

// instanceFromEntry reconstructs a registry.Instance from a Consul health
// entry, recovering the scheme/health-check-path/version fields Mirror
// tucked into reserved metadata keys and stripping them back out.
func instanceFromEntry(entry *api.ServiceEntry) registry.Instance {
	meta := make(map[string]string, len(entry.Service.Meta))
	var scheme, healthCheckPath, version string
	for k, v := range entry.Service.Meta {
		switch k {
		case metaScheme:
			scheme = v
		case metaHealthCheckPath:
			healthCheckPath = v
		case metaVersion:
			version = v
		default:
			meta[k] = v
		}
	}
	if healthCheckPath == "" {
		healthCheckPath = "/health"
	}

	return registry.Instance{
		ServiceName:     entry.Service.Service,
		ServiceID:       entry.Service.ID,
		Address:         entry.Service.Address,
		Scheme:          scheme,
		Port:            entry.Service.Port,
		Version:         version,
		HealthCheckPath: healthCheckPath,
		Status:          mapHealthStatus(entry.Checks),
		Metadata:        meta,
	}
}

func mapHealthStatus(checks api.HealthChecks) registry.HealthStatus {
	if len(checks) == 0 {
		return registry.HealthUnknown
	}

	for _, c := range checks {
		if c.Status == "critical" || c.Status == "maintenance" {
			return registry.HealthUnhealthy
		}
	}
	for _, c := range checks {
		if c.Status == "warning" {
			return registry.HealthDegraded
		}
	}

	for _, c := range checks {
		if c.Status != "passing" {
			return registry.HealthUnknown
		}
	}
	return registry.HealthHealthy
}

// Run mirrors the registry into Consul and pulls Consul's view back into
// the registry on every tick, until ctx is canceled. This bidirectional
// loop is the only cross-process channel between independently-running
// gateway, admin API, and health-monitor processes; each one that needs
// the others' registrations visible calls Run with its own registry.
func (s *Syncer) Run(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(reg)
			if err := s.Pull(reg); err != nil && s.logger != nil {
				s.logger.Warn("consul pull failed", "error", err)
			}
		}
	}
}
