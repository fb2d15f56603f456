// Package staticservices loads an optional YAML file of fixed backend
// registrations, merged into the in-memory registry at startup so operators
// can run the gateway without a live registration call for every backend.
// Environment variables remain the primary configuration path; this file is
// additive and optional.
package staticservices

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/meshgate/meshgate/internal/registry"
)

// Entry describes one statically configured backend instance.
type Entry struct {
	ServiceName     string            `mapstructure:"serviceName"`
	ServiceID       string            `mapstructure:"serviceId"`
	Address         string            `mapstructure:"address"`
	Scheme          string            `mapstructure:"scheme"`
	Port            int               `mapstructure:"port"`
	Version         string            `mapstructure:"version"`
	HealthCheckPath string            `mapstructure:"healthCheckPath"`
	Metadata        map[string]string `mapstructure:"metadata"`
}

type fileSchema struct {
	Services []Entry `mapstructure:"services"`
}

// Load reads entries from a YAML file at path. An empty path is not an
// error: it returns a nil slice. A non-empty path whose file cannot be read,
// including one that does not exist, returns an error.
func Load(path string) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading static service file %s: %w", path, err)
	}

	var schema fileSchema
	if err := v.Unmarshal(&schema); err != nil {
		return nil, fmt.Errorf("parsing static service file %s: %w", path, err)
	}
	return schema.Services, nil
}

// Register merges a set of static entries into the registry, returning the
// number successfully registered. Malformed entries are logged by the
// caller via the returned error but do not stop the remaining entries from
// registering.
func Register(reg *registry.Registry, entries []Entry) (registered int, firstErr error) {
	for _, e := range entries {
		_, err := reg.Register(registry.Registration{
			ServiceName:     e.ServiceName,
			ServiceID:       e.ServiceID,
			Address:         e.Address,
			Scheme:          e.Scheme,
			Port:            e.Port,
			Version:         e.Version,
			HealthCheckPath: e.HealthCheckPath,
			Metadata:        e.Metadata,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		registered++
	}
	return registered, firstErr
}
