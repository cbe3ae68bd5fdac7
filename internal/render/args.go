package render

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/troika/troika/internal/catalog"
)

// Request carries everything argv construction needs.
type Request struct {
	BackendID string
	Adapter   catalog.Adapter

	// Prompt is the final prompt text (persona already injected when the
	// coordinator decided so).
	Prompt  string
	Workdir string

	// SessionID is non-empty when resuming a session-id backend.
	SessionID string
	// Resume marks history-continuation for stateless backends.
	Resume bool

	// Model is the model id, empty when the role uses the backend default.
	Model        string
	Options      map[string]any
	Filesystem   catalog.FilesystemCapability
	Capabilities map[string]any
}

// Rendered is the materialized invocation input.
type Rendered struct {
	Argv      []string
	Transport catalog.PromptTransport // arg or stdin, never auto
	// Prompt is the effective prompt (guardrails applied); fed to stdin
	// when Transport is stdin.
	Prompt string
}

// Build renders the argument vector and resolves the prompt transport.
func Build(req Request) (Rendered, error) {
	prompt := applyGuardrails(req.BackendID, req.Filesystem, req.Prompt)
	transport := resolveTransport(req.Adapter, prompt)

	promptForArgs := prompt
	if transport == catalog.TransportStdin {
		promptForArgs = ""
	}

	includeDirs := ""
	if req.BackendID == "gemini" {
		includeDirs = DetectIncludeDirectories(req.Prompt, req.Workdir)
	}

	caps := req.Capabilities
	if caps == nil {
		caps = map[string]any{}
	}
	if _, ok := caps["filesystem"]; !ok {
		caps["filesystem"] = string(req.Filesystem)
	}
	opts := req.Options
	if opts == nil {
		opts = map[string]any{}
	}

	ctx := map[string]any{
		"prompt":              promptForArgs,
		"model":               req.Model,
		"session_id":          req.SessionID,
		"resume":              req.Resume,
		"workdir":             req.Workdir,
		"options":             opts,
		"capabilities":        caps,
		"include_directories": includeDirs,
		"prompt_transport":    string(transport),
	}

	argv := make([]string, 0, len(req.Adapter.ArgsTemplate))
	for _, token := range req.Adapter.ArgsTemplate {
		rendered, err := RenderToken(token, ctx)
		if err != nil {
			return Rendered{}, err
		}
		trimmed := strings.TrimSpace(rendered)
		if trimmed != "" {
			argv = append(argv, trimmed)
		}
	}

	// No mixed transport: a stdin invocation must not carry the prompt in
	// argv as well.
	if transport == catalog.TransportStdin && prompt != "" {
		for _, a := range argv {
			if strings.Contains(a, prompt) {
				return Rendered{}, fmt.Errorf("stdin transport rendered prompt into argv")
			}
		}
	}

	return Rendered{Argv: argv, Transport: transport, Prompt: prompt}, nil
}

func resolveTransport(a catalog.Adapter, prompt string) catalog.PromptTransport {
	switch a.EffectiveTransport() {
	case catalog.TransportArg:
		return catalog.TransportArg
	case catalog.TransportStdin:
		return catalog.TransportStdin
	default:
		if len(prompt) > a.EffectiveMaxChars() {
			return catalog.TransportStdin
		}
		return catalog.TransportArg
	}
}

func applyGuardrails(backendID string, fs catalog.FilesystemCapability, prompt string) string {
	if backendID != "kimi" || fs != catalog.FilesystemReadOnly {
		return prompt
	}
	if strings.Contains(prompt, catalog.KimiReadOnlyGuardrail) {
		return prompt
	}
	if strings.HasSuffix(prompt, "\n") {
		return prompt + catalog.KimiReadOnlyGuardrail
	}
	return prompt + "\n" + catalog.KimiReadOnlyGuardrail
}

// DetectIncludeDirectories scans the prompt for absolute-path-like tokens
// that resolve to existing directories outside the workdir. Files contribute
// their parent directory. Duplicates are removed; first-appearance order is
// preserved.
func DetectIncludeDirectories(prompt, workdir string) string {
	workdirNorm := workdir
	if resolved, err := filepath.EvalSymlinks(workdir); err == nil {
		workdirNorm = resolved
	}

	seen := make(map[string]int)
	for _, raw := range strings.Fields(prompt) {
		token := trimPathToken(raw)
		if token == "" || !filepath.IsAbs(token) {
			continue
		}
		if strings.HasPrefix(token, workdirNorm+string(filepath.Separator)) || token == workdirNorm {
			continue
		}

		var dir string
		if info, err := os.Stat(token); err == nil {
			if info.IsDir() {
				dir = token
			} else {
				dir = filepath.Dir(token)
			}
		} else if filepath.Ext(token) != "" {
			dir = filepath.Dir(token)
		} else {
			continue
		}

		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if _, ok := seen[dir]; !ok {
			seen[dir] = len(seen)
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool { return seen[dirs[i]] < seen[dirs[j]] })
	return strings.Join(dirs, ",")
}

func trimPathToken(raw string) string {
	trimmed := strings.TrimFunc(raw, func(c rune) bool {
		switch c {
		case '"', '\'', '`', '(', ')', '[', ']', '{', '}', '<', '>':
			return true
		}
		return false
	})
	trimmed = strings.TrimRight(trimmed, ".,;:")
	return trimmed
}
