package roles

import (
	"fmt"
	"sort"

	"github.com/troika/troika/internal/catalog"
	"github.com/troika/troika/internal/common/errors"
)

// DefaultTimeoutSecs applies when neither the call, the role, nor the backend
// sets a timeout.
const DefaultTimeoutSecs = 600

// Profile is the fully resolved role binding handed to the engine.
type Profile struct {
	RoleID    string
	BackendID string
	// Model is the model id; empty means the backend default (no model flag).
	Model        string
	Variant      string
	Options      map[string]any
	Capabilities Capabilities
	Persona      Persona
	Adapter      catalog.Adapter
	Fallback     *FallbackConfig

	// TimeoutSecs is resolved from role then backend then default; a
	// per-call override still takes precedence over it.
	TimeoutSecs int
}

// Resolve builds the profile for roleID, validating the model reference and
// the capability gate. A failure here affects only this role.
func Resolve(cfg *Config, roleID string, modelOverride string) (*Profile, error) {
	if cfg == nil {
		return nil, errors.ConfigInvalid("no config found (create ~/.config/troika/config.json)")
	}
	roleCfg, ok := cfg.Roles[roleID]
	if !ok {
		return nil, errors.UnknownRole(roleID)
	}
	if !roleCfg.IsEnabled() {
		return nil, errors.RoleDisabled(roleID)
	}

	modelRefStr := roleCfg.Model
	if modelOverride != "" {
		modelRefStr = modelOverride
	}
	ref, err := ParseModelRef(modelRefStr)
	if err != nil {
		return nil, err
	}
	return resolveWithRef(cfg, roleID, roleCfg, ref)
}

func resolveWithRef(cfg *Config, roleID string, roleCfg RoleConfig, ref ModelRef) (*Profile, error) {
	adapter, ok := catalog.Get(ref.Backend)
	if !ok {
		return nil, errors.ConfigInvalid(fmt.Sprintf(
			"role %q references unknown backend %q", roleID, ref.Backend))
	}
	backendCfg := cfg.Backend[ref.Backend]
	if backendCfg.Adapter != nil {
		adapter = *backendCfg.Adapter
	}

	caps := DefaultCapabilities()
	if roleCfg.Capabilities != nil {
		caps = *roleCfg.Capabilities
	}
	if !adapter.AllowsFilesystem(caps.Filesystem) {
		return nil, errors.UnsupportedCapability(fmt.Sprintf(
			"filesystem capability %q is not supported by backend %q (role %q)",
			caps.Filesystem, ref.Backend, roleID))
	}

	options, err := resolveOptions(backendCfg, ref)
	if err != nil {
		return nil, err
	}

	persona := Persona{}
	if roleCfg.Personas != nil {
		persona = *roleCfg.Personas
	} else if builtin, ok := BuiltinPersona(roleID); ok {
		persona = builtin
	}

	timeout := roleCfg.TimeoutSecs
	if timeout <= 0 {
		timeout = backendCfg.TimeoutSecs
	}
	if timeout <= 0 {
		timeout = DefaultTimeoutSecs
	}

	model := ref.Model
	if ref.IsDefault() {
		model = ""
	}

	return &Profile{
		RoleID:       roleID,
		BackendID:    ref.Backend,
		Model:        model,
		Variant:      ref.Variant,
		Options:      options,
		Capabilities: caps,
		Persona:      persona,
		Adapter:      adapter,
		Fallback:     backendCfg.Fallback,
		TimeoutSecs:  timeout,
	}, nil
}

// ResolveRef resolves an arbitrary model reference with a role's capability
// set, used for fallback invocations: the fallback inherits the original
// role's capabilities and must pass the same gate.
func ResolveRef(cfg *Config, roleID string, roleCfg RoleConfig, refStr string) (*Profile, error) {
	ref, err := ParseModelRef(refStr)
	if err != nil {
		return nil, err
	}
	return resolveWithRef(cfg, roleID, roleCfg, ref)
}

// resolveOptions merges base options with variant overrides (upsert).
func resolveOptions(backendCfg BackendConfig, ref ModelRef) (map[string]any, error) {
	var modelCfg ModelConfig
	if ref.IsDefault() {
		// backend/default may omit the models entry entirely.
		modelCfg = backendCfg.Models["default"]
	} else {
		mc, ok := backendCfg.Models[ref.Model]
		if !ok {
			return nil, errors.ConfigInvalid(fmt.Sprintf(
				"unknown model %q for backend %q", ref.Model, ref.Backend))
		}
		modelCfg = mc
	}

	out := make(map[string]any, len(modelCfg.Options))
	for k, v := range modelCfg.Options {
		out[k] = v
	}
	if ref.Variant != "" {
		overrides, ok := modelCfg.Variants[ref.Variant]
		if !ok {
			return nil, errors.ConfigInvalid(fmt.Sprintf(
				"unknown variant %q for model %q", ref.Variant, ref.Model))
		}
		for k, v := range overrides {
			out[k] = v
		}
	}
	return out, nil
}

// RoleInfo is the read-only role summary for the info operation.
type RoleInfo struct {
	ID            string   `json:"id"`
	Enabled       bool     `json:"enabled"`
	Backend       string   `json:"backend"`
	Model         string   `json:"model"`
	PromptPresent bool     `json:"prompt_present"`
	PromptLen     int      `json:"prompt_len,omitempty"`
	PromptPreview string   `json:"prompt_preview,omitempty"`
	Capabilities  any      `json:"capabilities"`
	TimeoutSecs   int      `json:"timeout_secs"`
	Warnings      []string `json:"warnings,omitempty"`
}

// InfoRoles summarizes every configured role, resolving each independently
// so one bad role does not hide the rest.
func InfoRoles(cfg *Config) []RoleInfo {
	if cfg == nil {
		return nil
	}
	ids := make([]string, 0, len(cfg.Roles))
	for id := range cfg.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]RoleInfo, 0, len(ids))
	for _, id := range ids {
		roleCfg := cfg.Roles[id]
		info := RoleInfo{ID: id, Enabled: roleCfg.IsEnabled()}

		profile, err := Resolve(cfg, id, "")
		if err != nil {
			if errors.IsKind(err, errors.KindRoleDisabled) {
				// Still describe the binding for disabled roles.
				if ref, refErr := ParseModelRef(roleCfg.Model); refErr == nil {
					info.Backend = ref.Backend
					info.Model = ref.Model
				}
			} else {
				info.Warnings = append(info.Warnings, err.Error())
			}
			out = append(out, info)
			continue
		}

		info.Backend = profile.BackendID
		info.Model = profile.Model
		if info.Model == "" {
			info.Model = "default"
		}
		info.Capabilities = profile.Capabilities
		info.TimeoutSecs = profile.TimeoutSecs

		prompt := profile.Persona.Prompt
		if prompt != "" {
			info.PromptPresent = true
			info.PromptLen = len(prompt)
			info.PromptPreview = preview(prompt, 120)
		}
		out = append(out, info)
	}
	return out
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
