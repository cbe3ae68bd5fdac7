package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/roles"
	"github.com/troika/troika/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

type testEnv struct {
	engine *Engine
	store  *session.Store
	cfgDir string
	repo   string
}

func newTestEnv(t *testing.T, config string) *testEnv {
	t.Helper()
	t.Setenv("TROIKA_CLIENT", "")
	t.Setenv("TROIKA_CONVERSATION_ID", "")

	cfgDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	log := testLogger(t)
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), log)
	eng := New(&roles.Loader{UserConfigDir: cfgDir}, store, log)
	return &testEnv{engine: eng, store: store, cfgDir: cfgDir, repo: repo}
}

// installFakeBackend writes a shell script for the backend and points the
// binary override at it. The script sees an ARGS_LOG env var-free path baked
// into its body.
func installFakeBackend(t *testing.T, backendID, body string) (bin, argsLog string) {
	t.Helper()
	dir := t.TempDir()
	argsLog = filepath.Join(dir, "args.log")
	bin = filepath.Join(dir, "fake-"+backendID)
	script := fmt.Sprintf("#!/bin/sh\necho \"ARGS: $@\" >> %q\n%s", argsLog, body)
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TROIKA_BIN_"+strings.ToUpper(backendID), bin)
	return bin, argsLog
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	raw, _ := os.ReadFile(path)
	return string(raw)
}

const codexConfig = `{
  "backend": {
    "codex": {
      "models": {
        "model-x": {
          "options": { "model_reasoning_effort": "high" }
        }
      }
    }
  },
  "roles": {
    "oracle": {
      "model": "codex/model-x",
      "personas": { "description": "d", "prompt": "think carefully" },
      "capabilities": { "filesystem": "read-write", "shell": "deny", "network": "deny", "tools": [] }
    }
  }
}`

// S1: codex new session over a JSON stream.
func TestCallCodexNewSessionJSONStream(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	_, argsLog := installFakeBackend(t, "codex", `echo '{"thread_id":"abc","item":{"text":"first"}}'
echo '{"item":{"text":"final"}}'
`)

	res := env.engine.Call(context.Background(), CallRequest{
		Prompt: "hello",
		CD:     env.repo,
		Role:   "oracle",
	})
	if !res.Success {
		t.Fatalf("call failed: %+v", res.Error)
	}
	if res.SessionID != "abc" {
		t.Errorf("session id: got %q, want abc", res.SessionID)
	}
	if res.Message != "final" {
		t.Errorf("message: got %q, want final (pick=last)", res.Message)
	}

	log := readLog(t, argsLog)
	for _, want := range []string{"exec", "--sandbox workspace-write", "--model model-x", "model_reasoning_effort=high", "--json"} {
		if !strings.Contains(log, want) {
			t.Errorf("argv missing %q: %s", want, log)
		}
	}
	if !strings.Contains(log, "[TROIKA_PERSONA id=oracle]") {
		t.Errorf("new session should inject persona: %s", log)
	}

	key := session.ComputeScopeKey(env.repo, "oracle", "model-x", "", "")
	rec, ok, _ := env.store.Get(key)
	if !ok || rec.SessionID != "abc" || !rec.HasHistory {
		t.Errorf("session record not written: %+v (ok=%v)", rec, ok)
	}

	found := false
	for _, w := range res.Warnings {
		if w == session.WarnMissingConversationID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing conversation_id warning: %v", res.Warnings)
	}
}

const claudeConfig = `{
  "backend": { "claude": {} },
  "roles": {
    "builder": {
      "model": "claude/default",
      "capabilities": { "filesystem": "read-only", "shell": "deny", "network": "deny", "tools": [] }
    }
  }
}`

// S2: claude resume with an explicit session id.
func TestCallClaudeResumeExplicit(t *testing.T) {
	env := newTestEnv(t, claudeConfig)
	_, argsLog := installFakeBackend(t, "claude", `echo '{"session_id":"sid-1","result":"ok"}'
`)

	res := env.engine.Call(context.Background(), CallRequest{
		Prompt:    "hello",
		CD:        env.repo,
		Role:      "builder",
		SessionID: "sid-1",
	})
	if !res.Success {
		t.Fatalf("call failed: %+v", res.Error)
	}
	if res.SessionID != "sid-1" || res.Message != "ok" {
		t.Errorf("got %+v", res)
	}

	log := readLog(t, argsLog)
	for _, want := range []string{"--print", "hello", "--output-format json", "--permission-mode plan", "--resume sid-1"} {
		if !strings.Contains(log, want) {
			t.Errorf("argv missing %q: %s", want, log)
		}
	}
	if strings.Contains(log, "--model") {
		t.Errorf("default model must omit --model: %s", log)
	}
	if strings.Contains(log, "[TROIKA_PERSONA") {
		t.Errorf("resume must not inject persona: %s", log)
	}
}

// Re-running the same resume call must not re-inject persona and must keep
// the record updated.
func TestCallIdempotentResume(t *testing.T) {
	env := newTestEnv(t, claudeConfig)
	_, argsLog := installFakeBackend(t, "claude", `echo '{"session_id":"sid-9","result":"ok"}'
`)

	req := CallRequest{Prompt: "same prompt", CD: env.repo, Role: "builder", SessionID: "sid-9"}
	for i := 0; i < 2; i++ {
		res := env.engine.Call(context.Background(), req)
		if !res.Success {
			t.Fatalf("call %d failed: %+v", i, res.Error)
		}
	}
	if strings.Contains(readLog(t, argsLog), "[TROIKA_PERSONA") {
		t.Error("persona injected on resume")
	}

	key := session.ComputeScopeKey(env.repo, "builder", "default", "", "")
	rec, ok, _ := env.store.Get(key)
	if !ok || rec.SessionID != "sid-9" {
		t.Errorf("record not maintained: %+v", rec)
	}
}

const kimiConfig = `{
  "backend": { "kimi": { "models": { "m1": {}, "m2": {} } } },
  "roles": {
    "kimi-a": { "model": "kimi/m1", "capabilities": { "filesystem": "read-write", "shell": "deny", "network": "deny", "tools": [] } },
    "kimi-b": { "model": "kimi/m2", "capabilities": { "filesystem": "read-write", "shell": "deny", "network": "deny", "tools": [] } }
  }
}`

// S5: concurrent history-resumes of the same stateless backend conflict.
func TestCallKimiParallelResumeConflict(t *testing.T) {
	env := newTestEnv(t, kimiConfig)
	installFakeBackend(t, "kimi", "sleep 0.5\necho continuing\n")

	for role, model := range map[string]string{"kimi-a": "m1", "kimi-b": "m2"} {
		key := session.ComputeScopeKey(env.repo, role, model, "", "")
		if err := env.store.Put(key, session.Record{Backend: "kimi", Role: role, HasHistory: true}); err != nil {
			t.Fatal(err)
		}
	}

	results := make(map[string]CallResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, role := range []string{"kimi-a", "kimi-b"} {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: env.repo, Role: role})
			mu.Lock()
			results[role] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	okCount, conflictCount := 0, 0
	for role, res := range results {
		if res.Success {
			okCount++
			continue
		}
		if errors.KindOf(res.Error) == errors.KindParallelResumeConflict {
			conflictCount++
		} else {
			t.Errorf("%s: unexpected error %+v", role, res.Error)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Errorf("expected exactly one success and one conflict, got ok=%d conflict=%d", okCount, conflictCount)
	}
}

const fallbackConfig = `{
  "backend": {
    "codex": {
      "models": { "model-x": {} },
      "fallback": { "model": "claude/default", "patterns": ["model_not_found"] }
    },
    "claude": {}
  },
  "roles": {
    "oracle": {
      "model": "codex/model-x",
      "capabilities": { "filesystem": "read-write", "shell": "deny", "network": "deny", "tools": [] }
    }
  }
}`

// S7: model fallback crosses backends and carries the warning.
func TestCallModelFallback(t *testing.T) {
	env := newTestEnv(t, fallbackConfig)
	installFakeBackend(t, "codex", `echo "Model_Not_Found: foo" >&2
exit 1
`)
	installFakeBackend(t, "claude", `echo '{"session_id":"fb-1","result":"fallback-ok"}'
`)

	res := env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: env.repo, Role: "oracle"})
	if !res.Success {
		t.Fatalf("fallback call failed: %+v", res.Error)
	}
	if res.Message != "fallback-ok" || res.SessionID != "fb-1" {
		t.Errorf("got %+v", res)
	}

	found := false
	for _, w := range res.Warnings {
		if w == "model fallback used: codex/model-x→claude/default" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback warning missing: %v", res.Warnings)
	}

	key := session.ComputeScopeKey(env.repo, "oracle", "model-x", "", "")
	rec, ok, _ := env.store.Get(key)
	if !ok || rec.Backend != "claude" {
		t.Errorf("record should carry the fallback backend: %+v", rec)
	}
}

// A rejected stored session id is evicted and retried as a new session.
func TestCallSessionResetRetry(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	installFakeBackend(t, "codex", `case "$*" in
*"resume sess-stale"*)
  echo "Error: No conversation found with session ID sess-stale" >&2
  exit 1
  ;;
*)
  echo '{"thread_id":"sess-new","item":{"text":"recovered"}}'
  ;;
esac
`)

	key := session.ComputeScopeKey(env.repo, "oracle", "model-x", "", "")
	if err := env.store.Put(key, session.Record{Backend: "codex", Role: "oracle", SessionID: "sess-stale", HasHistory: true}); err != nil {
		t.Fatal(err)
	}

	res := env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: env.repo, Role: "oracle"})
	if !res.Success {
		t.Fatalf("call failed: %+v", res.Error)
	}
	if res.SessionID != "sess-new" || res.Message != "recovered" {
		t.Errorf("got %+v", res)
	}

	found := false
	for _, w := range res.Warnings {
		if w == session.WarnSessionReset {
			found = true
		}
	}
	if !found {
		t.Errorf("session_reset warning missing: %v", res.Warnings)
	}

	rec, _, _ := env.store.Get(key)
	if rec.SessionID != "sess-new" {
		t.Errorf("record should carry the new session: %+v", rec)
	}
}

func TestCallBackendErrorSurfacesStderr(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	installFakeBackend(t, "codex", `echo "quota exhausted" >&2
exit 7
`)

	res := env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: env.repo, Role: "oracle"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != errors.KindBackendError {
		t.Errorf("kind: %s", res.Error.Kind)
	}
	if !strings.Contains(res.Error.StderrExcerpt, "quota exhausted") {
		t.Errorf("stderr excerpt missing: %+v", res.Error)
	}

	if recs, _ := env.store.Snapshot(); len(recs) != 0 {
		t.Errorf("failed invocation must not persist state: %v", recs)
	}
}

func TestCallTimeout(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	installFakeBackend(t, "codex", "sleep 30\n")

	res := env.engine.Call(context.Background(), CallRequest{
		Prompt: "go", CD: env.repo, Role: "oracle", TimeoutSecs: 1,
	})
	if res.Success || res.Error.Kind != errors.KindTimeout {
		t.Errorf("expected timeout, got %+v", res.Error)
	}
}

func TestCallContractMissingPatch(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	installFakeBackend(t, "codex", `echo '{"thread_id":"c-1","item":{"text":"no patch here"}}'
`)

	res := env.engine.Call(context.Background(), CallRequest{
		Prompt: "go", CD: env.repo, Role: "oracle", Contract: ContractPatchWithCitations,
	})
	if res.Success {
		t.Fatal("contract violation should fail the call")
	}
	if res.Error.Kind != errors.KindContractMissingPatch {
		t.Errorf("kind: %s", res.Error.Kind)
	}
	// The session is still persisted: the backend call itself succeeded.
	key := session.ComputeScopeKey(env.repo, "oracle", "model-x", "", "")
	if _, ok, _ := env.store.Get(key); !ok {
		t.Error("session record should survive a contract failure")
	}
}

func TestCallRoleErrors(t *testing.T) {
	env := newTestEnv(t, codexConfig)

	res := env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: env.repo, Role: "nope"})
	if errors.KindOf(res.Error) != errors.KindUnknownRole {
		t.Errorf("expected unknown_role, got %+v", res.Error)
	}

	res = env.engine.Call(context.Background(), CallRequest{Prompt: "", CD: env.repo, Role: "oracle"})
	if res.Success {
		t.Error("empty prompt must fail")
	}

	res = env.engine.Call(context.Background(), CallRequest{Prompt: "go", CD: filepath.Join(env.repo, "missing"), Role: "oracle"})
	if res.Success {
		t.Error("missing cd must fail")
	}
}

func TestInfoNeverSpawns(t *testing.T) {
	env := newTestEnv(t, codexConfig)
	bin, argsLog := installFakeBackend(t, "codex", "echo should-not-run\n")
	_ = bin

	info := env.engine.Info(context.Background(), env.repo, "", "")
	if !info.Success {
		t.Fatalf("info failed: %+v", info.Error)
	}
	if len(info.Roles) != 1 || info.Roles[0].ID != "oracle" {
		t.Errorf("roles: %+v", info.Roles)
	}
	if !info.Roles[0].PromptPresent {
		t.Errorf("oracle persona should be present: %+v", info.Roles[0])
	}
	if readLog(t, argsLog) != "" {
		t.Error("info spawned a backend child")
	}
	if len(info.ConfigSources) != 1 {
		t.Errorf("config sources: %v", info.ConfigSources)
	}
}
