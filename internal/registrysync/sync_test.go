package registrysync

import (
	"testing"

	"github.com/hashicorp/consul/api"
)

func TestMapHealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks api.HealthChecks
		want   string
	}{
		{name: "nil checks returns unknown", checks: nil, want: "Unknown"},
		{name: "all passing returns healthy", checks: api.HealthChecks{{Status: "passing"}, {Status: "passing"}}, want: "Healthy"},
		{name: "any critical returns unhealthy", checks: api.HealthChecks{{Status: "passing"}, {Status: "critical"}}, want: "Unhealthy"},
		{name: "maintenance returns unhealthy", checks: api.HealthChecks{{Status: "maintenance"}}, want: "Unhealthy"},
		{name: "warning without critical returns degraded", checks: api.HealthChecks{{Status: "passing"}, {Status: "warning"}}, want: "Degraded"},
		{name: "critical takes priority over warning", checks: api.HealthChecks{{Status: "warning"}, {Status: "critical"}}, want: "Unhealthy"},
		{name: "unknown status returns unknown", checks: api.HealthChecks{{Status: "something_else"}}, want: "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapHealthStatus(tt.checks).String(); got != tt.want {
				t.Errorf("mapHealthStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstanceFromEntry_RecoversReservedMetadata(t *testing.T) {
	entry := &api.ServiceEntry{
		Service: &api.AgentService{
			ID:      "widgets-1",
			Service: "widgets",
			Address: "10.0.0.5",
			Port:    8080,
			Meta: map[string]string{
				metaScheme:          "https",
				metaHealthCheckPath: "/healthz",
				metaVersion:         "v2",
				"zone":              "us-east",
			},
		},
		Checks: api.HealthChecks{{Status: "passing"}},
	}

	inst := instanceFromEntry(entry)

	if inst.Scheme != "https" || inst.HealthCheckPath != "/healthz" || inst.Version != "v2" {
		t.Fatalf("expected reserved fields recovered, got %+v", inst)
	}
	if _, ok := inst.Metadata[metaScheme]; ok {
		t.Fatal("expected reserved metadata key stripped from public metadata")
	}
	if inst.Metadata["zone"] != "us-east" {
		t.Fatalf("expected ordinary metadata preserved, got %+v", inst.Metadata)
	}
}

func TestInstanceFromEntry_DefaultsHealthCheckPath(t *testing.T) {
	entry := &api.ServiceEntry{
		Service: &api.AgentService{ID: "widgets-1", Service: "widgets", Address: "10.0.0.5", Port: 8080},
		Checks:  api.HealthChecks{{Status: "passing"}},
	}

	inst := instanceFromEntry(entry)
	if inst.HealthCheckPath != "/health" {
		t.Fatalf("expected default health check path, got %q", inst.HealthCheckPath)
	}
}
