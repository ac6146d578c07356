// Package registry loads the Luigi module registry: one YAML descriptor per
// installed module, naming the module and the systemd unit that runs it.
// The registry is the sole source of valid operation targets and is read
// once at startup.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/luigilabs/luigid/internal/security"
)

// SensorDef describes a sensor a module publishes, used by the MQTT bridge
// for Home Assistant discovery.
type SensorDef struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Unit        string `yaml:"unit,omitempty" json:"unit,omitempty"`
	DeviceClass string `yaml:"device_class,omitempty" json:"device_class,omitempty"`
}

// Module is one installed Luigi module.
type Module struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Path        string      `yaml:"path" json:"path"`
	Unit        string      `yaml:"unit" json:"unit"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Sensors     []SensorDef `yaml:"sensors,omitempty" json:"sensors,omitempty"`
}

// Registry holds the loaded module set.
type Registry struct {
	modules map[string]Module
	logger  *slog.Logger
}

// Load scans dir for *.yaml descriptors. Descriptors that fail validation
// are skipped with a warning rather than taking the gateway down; a module
// with a bad descriptor simply cannot be targeted.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	logger = logger.With("component", "registry")
	r := &Registry{
		modules: make(map[string]Module),
		logger:  logger,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("registry directory does not exist, no modules available", "dir", dir)
			return r, nil
		}
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		mod, err := loadDescriptor(path)
		if err != nil {
			logger.Warn("skipping module descriptor", "file", path, "error", err)
			continue
		}
		if _, dup := r.modules[mod.ID]; dup {
			logger.Warn("duplicate module id, keeping first", "id", mod.ID, "file", path)
			continue
		}
		r.modules[mod.ID] = mod
		logger.Info("registered module", "id", mod.ID, "unit", mod.Unit)
	}

	return r, nil
}

func loadDescriptor(path string) (Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, fmt.Errorf("read descriptor: %w", err)
	}
	var mod Module
	if err := yaml.Unmarshal(data, &mod); err != nil {
		return Module{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if ferr := security.ValidateIdentifier("id", mod.ID); ferr != nil {
		return Module{}, fmt.Errorf("descriptor id: %s", ferr.Reason)
	}
	if mod.Unit == "" {
		return Module{}, fmt.Errorf("descriptor %q has no unit", mod.ID)
	}
	if mod.Path != "" {
		if ferr := security.ValidatePathParam("path", mod.Path); ferr != nil {
			return Module{}, fmt.Errorf("descriptor path: %s", ferr.Reason)
		}
	}
	if mod.Name == "" {
		mod.Name = mod.ID
	}
	return mod, nil
}

// Get returns the module for id.
func (r *Registry) Get(id string) (Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// List returns all modules sorted by ID.
func (r *Registry) List() []Module {
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.modules) }
