// Package engine drives one backend invocation end to end: profile
// resolution, session coordination, argv rendering, child supervision,
// output parsing, and state persistence.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/catalog"
	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/contract"
	"github.com/troika/troika/internal/parse"
	"github.com/troika/troika/internal/proc"
	"github.com/troika/troika/internal/render"
	"github.com/troika/troika/internal/roles"
	"github.com/troika/troika/internal/session"
)

// personaMarker brackets injected persona text so a second injection can be
// detected and skipped.
const personaMarker = "[TROIKA_PERSONA"

// ContractPatchWithCitations is the only contract currently supported.
const ContractPatchWithCitations = "patch_with_citations"

// CallRequest is one invocation of a role.
type CallRequest struct {
	Prompt          string `json:"prompt"`
	CD              string `json:"cd"`
	Role            string `json:"role"`
	Client          string `json:"client,omitempty"`
	ConversationID  string `json:"conversation_id,omitempty"`
	SessionKey      string `json:"session_key,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ForceNewSession bool   `json:"force_new_session,omitempty"`
	TimeoutSecs     int    `json:"timeout_secs,omitempty"`
	Contract        string `json:"contract,omitempty"`
	ValidatePatch   bool   `json:"validate_patch,omitempty"`
	ModelOverride   string `json:"model_override,omitempty"`
}

// CallResult is the normalized invocation outcome.
type CallResult struct {
	Success   bool             `json:"success"`
	SessionID string           `json:"session_id,omitempty"`
	Message   string           `json:"message"`
	Warnings  []string         `json:"warnings"`
	Error     *errors.AppError `json:"error,omitempty"`

	// Contract details, present when a contract was requested.
	PatchFormat      string `json:"patch_format,omitempty"`
	ApplyCheckOK     *bool  `json:"apply_check_ok,omitempty"`
	ApplyCheckOutput string `json:"apply_check_output,omitempty"`
}

// InfoResult summarizes the effective configuration for a repo.
type InfoResult struct {
	Success       bool             `json:"success"`
	ConfigSources []string         `json:"config_sources"`
	Roles         []roles.RoleInfo `json:"roles"`
	Error         *errors.AppError `json:"error,omitempty"`
}

// Engine owns the invocation pipeline.
type Engine struct {
	loader   *roles.Loader
	store    *session.Store
	coord    *session.Coordinator
	logger   *logger.Logger
	inflight sync.WaitGroup
}

// New creates an engine over the loader and store.
func New(loader *roles.Loader, store *session.Store, log *logger.Logger) *Engine {
	return &Engine{
		loader: loader,
		store:  store,
		coord:  session.NewCoordinator(store, log),
		logger: log.WithFields(zap.String("component", "engine")),
	}
}

// Store exposes the session store for the debug surface.
func (e *Engine) Store() *session.Store { return e.store }

// Drain waits until in-flight invocations finish or the timeout elapses.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func failure(err error, warnings []string) CallResult {
	return CallResult{Success: false, Warnings: append([]string{}, warnings...), Error: errors.As(err)}
}

// Call runs one invocation. Errors are reported in the result, never as a Go
// error: the host protocol surfaces them per task.
func (e *Engine) Call(ctx context.Context, req CallRequest) CallResult {
	e.inflight.Add(1)
	defer e.inflight.Done()

	if strings.TrimSpace(req.Prompt) == "" {
		return failure(errors.ConfigInvalid("prompt is required"), nil)
	}
	repoRoot, err := canonicalDir(req.CD)
	if err != nil {
		return failure(err, nil)
	}

	client := fallbackEnv(req.Client, "TROIKA_CLIENT")
	conversationID := fallbackEnv(req.ConversationID, "TROIKA_CONVERSATION_ID")

	cfg, _, err := e.loader.Load(repoRoot, client)
	if err != nil {
		return failure(err, nil)
	}
	profile, err := roles.Resolve(cfg, req.Role, req.ModelOverride)
	if err != nil {
		return failure(err, nil)
	}

	timeout := time.Duration(profile.TimeoutSecs) * time.Second
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	personaPrompt := profile.Persona.Prompt
	if strings.Contains(req.Prompt, personaMarker) {
		// Already injected upstream; never double-inject.
		personaPrompt = ""
	}

	lease, err := e.coord.Begin(ctx, session.BeginRequest{
		RepoRoot:        repoRoot,
		RoleID:          profile.RoleID,
		ModelID:         modelIDForScope(profile),
		Client:          client,
		ConversationID:  conversationID,
		SessionKey:      req.SessionKey,
		SessionID:       req.SessionID,
		ForceNewSession: req.ForceNewSession,
		BackendID:       profile.BackendID,
		SupportsSession: profile.Adapter.OutputParser.SupportsSession(),
		PersonaPrompt:   personaPrompt,
	})
	if err != nil {
		return failure(err, nil)
	}

	res := e.invoke(ctx, lease, cfg, profile, req, repoRoot, timeout, personaPrompt)
	if !res.Success {
		lease.Abort()
	}

	if res.Success && req.Contract != "" {
		e.applyContract(&res, req, repoRoot)
	}
	return res
}

// invoke runs the supervised child, handling the session-reset retry and the
// model fallback. On success it persists the session via the lease.
func (e *Engine) invoke(
	ctx context.Context,
	lease *session.Lease,
	cfg *roles.Config,
	profile *roles.Profile,
	req CallRequest,
	repoRoot string,
	timeout time.Duration,
	personaPrompt string,
) CallResult {
	retriedReset := false
	for {
		prompt := req.Prompt
		if lease.Plan.PersonaInjected {
			prompt = injectPersona(profile.RoleID, personaPrompt, req.Prompt)
		}

		out, parsed, err := e.runOnce(ctx, profile, prompt, repoRoot, lease.Plan, timeout)

		if err != nil && profile.Fallback != nil &&
			errors.IsKind(err, errors.KindModelNotFound) {
			return e.runFallback(ctx, lease, cfg, profile, prompt, repoRoot, timeout, err)
		}

		if err != nil && !retriedReset && lease.Plan.Mode.IsResume() &&
			errors.IsKind(err, errors.KindSessionInvalidOnResume) {
			if derr := lease.Downgrade(); derr != nil {
				return failure(derr, lease.Plan.Warnings)
			}
			retriedReset = true
			continue
		}

		if err != nil {
			res := failure(err, lease.Plan.Warnings)
			if res.Error.StderrExcerpt == "" && out.Stderr != "" {
				res.Error.StderrExcerpt = out.StderrExcerpt()
			}
			return res
		}

		if err := lease.Complete(parsed.SessionID); err != nil {
			return failure(err, lease.Plan.Warnings)
		}
		return CallResult{
			Success:   true,
			SessionID: parsed.SessionID,
			Message:   parsed.Message,
			Warnings:  append([]string{}, lease.Plan.Warnings...),
		}
	}
}

// runOnce renders argv, supervises the child, and parses its output.
func (e *Engine) runOnce(
	ctx context.Context,
	profile *roles.Profile,
	prompt string,
	repoRoot string,
	plan session.Plan,
	timeout time.Duration,
) (proc.Output, parse.Result, error) {
	rendered, err := render.Build(render.Request{
		BackendID:    profile.BackendID,
		Adapter:      profile.Adapter,
		Prompt:       prompt,
		Workdir:      repoRoot,
		SessionID:    plan.SessionID,
		Resume:       plan.HistoryResume,
		Model:        profile.Model,
		Options:      profile.Options,
		Filesystem:   profile.Capabilities.Filesystem,
		Capabilities: profile.Capabilities.AsContext(),
	})
	if err != nil {
		return proc.Output{}, parse.Result{}, errors.ConfigInvalid(err.Error())
	}

	procReq := proc.Request{
		Command: proc.ResolveBinary(profile.BackendID),
		Argv:    rendered.Argv,
		Dir:     repoRoot,
		Timeout: timeout,
	}
	if rendered.Transport == catalog.TransportStdin {
		procReq.StdinData = rendered.Prompt
	}

	e.logger.Debug("invoking backend",
		zap.String("backend", profile.BackendID),
		zap.String("role", profile.RoleID),
		zap.String("mode", string(plan.Mode)),
		zap.String("transport", string(rendered.Transport)))

	out, err := proc.Run(ctx, procReq, e.logger)
	if err != nil {
		return out, parse.Result{}, err
	}

	if modelErr := detectModelError(out.Stdout, out.Stderr, profile.Fallback, out.ExitCode == 0); modelErr != "" {
		return out, parse.Result{}, errors.ModelNotFound(modelErr)
	}

	diag := out.Stderr + "\n" + out.Stdout
	if out.ExitCode != 0 {
		if plan.Mode.IsResume() && catalog.LooksLikeInvalidSession(diag) {
			return out, parse.Result{}, errors.SessionInvalidOnResume(
				"backend rejected session id " + plan.SessionID)
		}
		return out, parse.Result{}, errors.BackendError(out.ExitCode, out.StderrExcerpt())
	}

	parsed, err := parse.Parse(profile.Adapter.OutputParser, out.Stdout)
	if err != nil {
		if plan.Mode.IsResume() && catalog.LooksLikeInvalidSession(diag) {
			return out, parse.Result{}, errors.SessionInvalidOnResume(
				"backend rejected session id " + plan.SessionID)
		}
		appErr := errors.As(err)
		if appErr.StderrExcerpt == "" {
			appErr.StderrExcerpt = out.StderrExcerpt()
		}
		return out, parse.Result{}, appErr
	}
	return out, parsed, nil
}

// runFallback retries once against the configured fallback model reference.
// The fallback inherits the role's capabilities; when the fallback backend
// fails the capability gate the original error is returned untouched.
func (e *Engine) runFallback(
	ctx context.Context,
	lease *session.Lease,
	cfg *roles.Config,
	profile *roles.Profile,
	prompt string,
	repoRoot string,
	timeout time.Duration,
	original error,
) CallResult {
	roleCfg := cfg.Roles[profile.RoleID]
	fbProfile, err := roles.ResolveRef(cfg, profile.RoleID, roleCfg, profile.Fallback.Model)
	if err != nil {
		e.logger.Warn("model fallback skipped",
			zap.String("role", profile.RoleID),
			zap.String("fallback", profile.Fallback.Model),
			zap.Error(err))
		return failure(original, lease.Plan.Warnings)
	}
	// The fallback never resumes: a different model (possibly a different
	// backend) cannot continue the original session.
	fbPlan := session.Plan{Mode: session.ModeNew}

	out, parsed, err := e.runOnce(ctx, fbProfile, prompt, repoRoot, fbPlan, timeout)
	if err != nil {
		res := failure(original, lease.Plan.Warnings)
		if res.Error.StderrExcerpt == "" && out.Stderr != "" {
			res.Error.StderrExcerpt = out.StderrExcerpt()
		}
		return res
	}

	if err := lease.CompleteWithBackend(fbProfile.BackendID, parsed.SessionID); err != nil {
		return failure(err, lease.Plan.Warnings)
	}
	warnings := append([]string{}, lease.Plan.Warnings...)
	warnings = append(warnings, fmt.Sprintf("model fallback used: %s→%s",
		fullModelRef(profile), profile.Fallback.Model))
	return CallResult{
		Success:   true,
		SessionID: parsed.SessionID,
		Message:   parsed.Message,
		Warnings:  warnings,
	}
}

// applyContract enforces the requested output contract on a successful result.
func (e *Engine) applyContract(res *CallResult, req CallRequest, repoRoot string) {
	if req.Contract != ContractPatchWithCitations {
		res.Success = false
		res.Error = errors.ConfigInvalid("unknown contract: " + req.Contract)
		return
	}

	check := contract.CheckPatchWithCitations(res.Message)
	res.PatchFormat = string(check.Format)
	if len(check.Errors) > 0 {
		res.Success = false
		res.Error = check.Errors[0]
		return
	}

	if req.ValidatePatch {
		if check.Format != contract.PatchUnifiedDiff || check.ExtractedPatch == "" {
			res.Success = false
			res.Error = errors.ContractPatchInvalid("patch is not an extractable unified diff")
			return
		}
		apply, err := contract.ValidateApplyCheck(repoRoot, check.ExtractedPatch)
		if err != nil {
			res.Success = false
			res.Error = errors.As(err)
			return
		}
		ok := apply.OK
		res.ApplyCheckOK = &ok
		res.ApplyCheckOutput = apply.Output
		if !apply.OK {
			res.Success = false
			res.Error = errors.ContractPatchInvalid(apply.Output)
		}
	}
}

// Info summarizes configuration for a repo. Read-only; never spawns a child.
func (e *Engine) Info(ctx context.Context, cd, client, conversationID string) InfoResult {
	repoRoot, err := canonicalDir(cd)
	if err != nil {
		return InfoResult{Error: errors.As(err)}
	}
	client = fallbackEnv(client, "TROIKA_CLIENT")

	cfg, sources, err := e.loader.Load(repoRoot, client)
	if err != nil {
		return InfoResult{ConfigSources: sources, Error: errors.As(err)}
	}
	if cfg == nil {
		return InfoResult{
			ConfigSources: []string{},
			Error:         errors.ConfigInvalid("no config found (create ~/.config/troika/config.json)"),
		}
	}
	if sources == nil {
		sources = []string{}
	}
	return InfoResult{
		Success:       true,
		ConfigSources: sources,
		Roles:         roles.InfoRoles(cfg),
	}
}

func injectPersona(roleID, personaPrompt, prompt string) string {
	return fmt.Sprintf("%s id=%s]\n%s\n[/TROIKA_PERSONA]\n\n%s",
		personaMarker, roleID, strings.TrimSpace(personaPrompt), prompt)
}

// modelIDForScope keeps distinct scope keys per model, including the default
// sentinel.
func modelIDForScope(p *roles.Profile) string {
	if p.Model == "" {
		return "default"
	}
	if p.Variant != "" {
		return p.Model + "@" + p.Variant
	}
	return p.Model
}

func fullModelRef(p *roles.Profile) string {
	model := p.Model
	if model == "" {
		model = "default"
	}
	ref := p.BackendID + "/" + model
	if p.Variant != "" {
		ref += "@" + p.Variant
	}
	return ref
}

func canonicalDir(cd string) (string, error) {
	if strings.TrimSpace(cd) == "" {
		return "", errors.ConfigInvalid("cd is required")
	}
	abs, err := filepath.Abs(cd)
	if err != nil {
		return "", errors.ConfigInvalid("working directory is not usable: " + err.Error())
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.ConfigInvalid("working directory does not exist or is not accessible: " + cd)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", errors.ConfigInvalid("working directory is not a directory: " + resolved)
	}
	return resolved, nil
}

func fallbackEnv(v, envKey string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return os.Getenv(envKey)
}

// detectModelError matches the configured fallback patterns against backend
// diagnostics. Error-typed stream events are checked even on a zero exit.
func detectModelError(stdout, stderr string, fb *roles.FallbackConfig, exitOK bool) string {
	if fb == nil {
		return ""
	}
	patterns := make([]string, 0, len(fb.Patterns))
	for _, p := range fb.Patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return ""
	}
	matches := func(text string) bool {
		lower := strings.ToLower(text)
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
		return false
	}

	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var v map[string]any
		if json.Unmarshal([]byte(trimmed), &v) != nil {
			continue
		}
		ty, _ := v["type"].(string)
		if ty != "error" && ty != "turn.failed" {
			continue
		}
		msg, _ := v["message"].(string)
		if msg == "" {
			if errObj, ok := v["error"].(map[string]any); ok {
				msg, _ = errObj["message"].(string)
			}
		}
		if matches(msg) {
			return msg
		}
		if matches(trimmed) {
			return trimmed
		}
	}

	if !exitOK {
		for _, line := range strings.Split(stderr, "\n") {
			if matches(line) {
				return strings.TrimSpace(line)
			}
		}
		for _, line := range strings.Split(stdout, "\n") {
			if matches(line) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}
