package roles

import (
	"os"
	"path/filepath"

	commonconfig "github.com/troika/troika/internal/common/config"
)

// Loader locates and merges role configuration for a repo.
type Loader struct {
	// UserConfigDir overrides the user config directory (tests).
	UserConfigDir string
}

// NewLoader creates a loader against the default user config directory.
func NewLoader() *Loader {
	return &Loader{UserConfigDir: commonconfig.ConfigDir()}
}

// userCandidates lists the user-scope config files in preference order.
func (l *Loader) userCandidates(client string) []string {
	var out []string
	if client != "" {
		out = append(out, filepath.Join(l.UserConfigDir, "config-"+client+".json"))
	}
	return append(out, filepath.Join(l.UserConfigDir, "config.json"))
}

// projectCandidates lists the project-scope config files in preference order,
// including the legacy single-file form at the repo root.
func projectCandidates(repoRoot, client string) []string {
	var out []string
	if client != "" {
		out = append(out, filepath.Join(repoRoot, ".troika", "config-"+client+".json"))
	}
	out = append(out, filepath.Join(repoRoot, ".troika", "config.json"))
	return append(out, filepath.Join(repoRoot, ".troika.json"))
}

// Load merges user and project config for repoRoot. Within each scope the
// first existing candidate wins; project overrides user. It returns the list
// of files actually read. A nil config with nil error means no config exists.
func (l *Loader) Load(repoRoot, client string) (*Config, []string, error) {
	var sources []string

	var userCfg *Config
	for _, p := range l.userCandidates(client) {
		if fileExists(p) {
			cfg, err := LoadFile(p)
			if err != nil {
				return nil, nil, err
			}
			userCfg = cfg
			sources = append(sources, p)
			break
		}
	}

	var projectCfg *Config
	for _, p := range projectCandidates(repoRoot, client) {
		if fileExists(p) {
			cfg, err := LoadFile(p)
			if err != nil {
				return nil, nil, err
			}
			projectCfg = cfg
			sources = append(sources, p)
			break
		}
	}

	if userCfg == nil && projectCfg == nil {
		return nil, nil, nil
	}
	return merge(userCfg, projectCfg), sources, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
