// Package roles loads the layered role configuration and resolves role
// profiles against the embedded adapter catalog.
package roles

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/troika/troika/internal/catalog"
	"github.com/troika/troika/internal/common/errors"
)

// Config is the role configuration contract. The top level is exactly
// {backend, roles}; anything else is a hard error.
type Config struct {
	Backend map[string]BackendConfig `json:"backend"`
	Roles   map[string]RoleConfig    `json:"roles"`
}

// BackendConfig configures one backend id.
type BackendConfig struct {
	Adapter     *catalog.Adapter       `json:"adapter,omitempty"`
	TimeoutSecs int                    `json:"timeout_secs,omitempty"`
	Models      map[string]ModelConfig `json:"models,omitempty"`
	Fallback    *FallbackConfig        `json:"fallback,omitempty"`
}

// ModelConfig holds per-model options and variant overrides. Values are
// scalar only.
type ModelConfig struct {
	Options  map[string]any            `json:"options,omitempty"`
	Variants map[string]map[string]any `json:"variants,omitempty"`
}

// FallbackConfig routes model-not-found failures to an alternate model.
type FallbackConfig struct {
	Model    string   `json:"model"`
	Patterns []string `json:"patterns"`
}

// RoleConfig configures one role id.
type RoleConfig struct {
	Model        string        `json:"model"`
	Personas     *Persona      `json:"personas,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Enabled      *bool         `json:"enabled,omitempty"`
	TimeoutSecs  int           `json:"timeout_secs,omitempty"`
}

// IsEnabled defaults to true when unset.
func (r RoleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Persona is the opaque role instruction block.
type Persona struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// Capabilities is the role capability set.
type Capabilities struct {
	Filesystem catalog.FilesystemCapability `json:"filesystem"`
	Shell      string                       `json:"shell"`
	Network    string                       `json:"network"`
	Tools      []string                     `json:"tools"`
}

// DefaultCapabilities is applied when a role omits capabilities.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Filesystem: catalog.FilesystemReadOnly,
		Shell:      "deny",
		Network:    "deny",
		Tools:      []string{},
	}
}

// AsContext renders the capability set for the template context.
func (c Capabilities) AsContext() map[string]any {
	tools := make([]any, len(c.Tools))
	for i, t := range c.Tools {
		tools[i] = t
	}
	return map[string]any{
		"filesystem": string(c.Filesystem),
		"shell":      c.Shell,
		"network":    c.Network,
		"tools":      tools,
	}
}

// LoadFile reads and validates one config file.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("failed to read config %s: %v", path, err))
	}
	return parseConfig(raw, path)
}

func parseConfig(raw []byte, path string) (*Config, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("config %s is not a JSON object: %v", path, err))
	}
	for key := range top {
		if key != "backend" && key != "roles" {
			return nil, errors.ConfigInvalid(fmt.Sprintf("config %s: unexpected top-level key: %s", path, key))
		}
	}
	if _, ok := top["backend"]; !ok {
		return nil, errors.ConfigInvalid(fmt.Sprintf("config %s: missing 'backend' object", path))
	}
	if _, ok := top["roles"]; !ok {
		return nil, errors.ConfigInvalid(fmt.Sprintf("config %s: missing 'roles' object", path))
	}

	// Nested unknown fields are ignored; only the top level is strict.
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.ConfigInvalid(fmt.Sprintf("config %s: %v", path, err))
	}

	for backendID, bc := range cfg.Backend {
		for modelID, mc := range bc.Models {
			if err := requireScalars(mc.Options); err != nil {
				return nil, errors.ConfigInvalid(fmt.Sprintf(
					"config %s: backend %s model %s options: %v", path, backendID, modelID, err))
			}
			for variant, overrides := range mc.Variants {
				if err := requireScalars(overrides); err != nil {
					return nil, errors.ConfigInvalid(fmt.Sprintf(
						"config %s: backend %s model %s variant %s: %v", path, backendID, modelID, variant, err))
				}
			}
		}
	}
	return &cfg, nil
}

func requireScalars(m map[string]any) error {
	for k, v := range m {
		switch v.(type) {
		case string, float64, bool, nil:
		default:
			return fmt.Errorf("value of %q must be a string, number, or bool", k)
		}
	}
	return nil
}

// ModelRef is a parsed backend/model@variant reference.
type ModelRef struct {
	Backend string
	Model   string
	Variant string
}

// IsDefault reports the backend-default sentinel.
func (m ModelRef) IsDefault() bool { return m.Model == "default" }

// String renders the reference back to its textual form.
func (m ModelRef) String() string {
	s := m.Backend + "/" + m.Model
	if m.Variant != "" {
		s += "@" + m.Variant
	}
	return s
}

// ParseModelRef splits backend/model@variant. The first '/' separates the
// backend; the model may itself contain '/'.
func ParseModelRef(s string) (ModelRef, error) {
	backend, rest, ok := strings.Cut(s, "/")
	backend = strings.TrimSpace(backend)
	rest = strings.TrimSpace(rest)
	if !ok || backend == "" || rest == "" {
		return ModelRef{}, errors.ConfigInvalid(
			fmt.Sprintf("model reference %q must be 'backend/model@variant'", s))
	}

	model, variant, hasVariant := strings.Cut(rest, "@")
	model = strings.TrimSpace(model)
	variant = strings.TrimSpace(variant)
	if model == "" || (hasVariant && variant == "") {
		return ModelRef{}, errors.ConfigInvalid(
			fmt.Sprintf("model reference %q must be 'backend/model@variant'", s))
	}
	ref := ModelRef{Backend: backend, Model: model, Variant: variant}
	if ref.IsDefault() && ref.Variant != "" {
		return ModelRef{}, errors.ConfigInvalid("model 'default' does not support variants")
	}
	return ref, nil
}

// merge overlays project config onto user config: backend models merge per
// key, roles replace per id.
func merge(base, overlay *Config) *Config {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}
	out := &Config{
		Backend: make(map[string]BackendConfig, len(base.Backend)),
		Roles:   make(map[string]RoleConfig, len(base.Roles)),
	}
	for id, bc := range base.Backend {
		out.Backend[id] = bc
	}
	for id, obc := range overlay.Backend {
		bc, ok := out.Backend[id]
		if !ok {
			out.Backend[id] = obc
			continue
		}
		if bc.Models == nil {
			bc.Models = make(map[string]ModelConfig)
		} else {
			merged := make(map[string]ModelConfig, len(bc.Models))
			for k, v := range bc.Models {
				merged[k] = v
			}
			bc.Models = merged
		}
		for k, v := range obc.Models {
			bc.Models[k] = v
		}
		if obc.Adapter != nil {
			bc.Adapter = obc.Adapter
		}
		if obc.TimeoutSecs != 0 {
			bc.TimeoutSecs = obc.TimeoutSecs
		}
		if obc.Fallback != nil {
			bc.Fallback = obc.Fallback
		}
		out.Backend[id] = bc
	}
	for id, rc := range base.Roles {
		out.Roles[id] = rc
	}
	for id, rc := range overlay.Roles {
		out.Roles[id] = rc
	}
	return out
}
