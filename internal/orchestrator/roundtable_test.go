package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
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

const roundtableConfig = `{
  "backend": { "claude": {} },
  "roles": {
    "alpha": { "model": "claude/default", "capabilities": { "filesystem": "read-only", "shell": "deny", "network": "deny", "tools": [] } },
    "beta": { "model": "claude/default", "capabilities": { "filesystem": "read-only", "shell": "deny", "network": "deny", "tools": [] } },
    "gamma": { "model": "claude/default", "capabilities": { "filesystem": "read-only", "shell": "deny", "network": "deny", "tools": [] } }
  }
}`

type testHarness struct {
	orch  *Orchestrator
	repo  string
	store *session.Store
}

func newTestHarness(t *testing.T, config string, notifier events.Notifier) *testHarness {
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
	eng := engine.New(&roles.Loader{UserConfigDir: cfgDir}, store, log)
	return &testHarness{
		orch:  New(eng, notifier, log),
		repo:  repo,
		store: store,
	}
}

func installFakeBackend(t *testing.T, backendID, body string) {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-"+backendID)
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TROIKA_BIN_"+strings.ToUpper(backendID), bin)
}

func TestBatchOrderAndPartialFailure(t *testing.T) {
	var mu sync.Mutex
	var seen []events.Event
	notifier := events.NotifierFunc(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	h := newTestHarness(t, roundtableConfig, notifier)

	installFakeBackend(t, "claude", `case "$*" in
*fail-me*) echo "broken" >&2; exit 1 ;;
*) echo '{"session_id":"b-1","result":"done"}' ;;
esac
`)

	res := h.orch.Batch(context.Background(), BatchRequest{
		CD: h.repo,
		Tasks: []Task{
			{Name: "t1", Role: "alpha", Prompt: "slow task", TimeoutSecs: 10},
			{Name: "t2", Role: "beta", Prompt: "fail-me"},
			{Name: "t3", Role: "gamma", Prompt: "quick"},
		},
	})

	if res.Success {
		t.Error("batch with a failed task must not be successful overall")
	}
	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.Results))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if res.Results[i].Name != want {
			t.Errorf("result %d: name %q, want %q", i, res.Results[i].Name, want)
		}
	}
	if res.Results[0].Error != nil || res.Results[2].Error != nil {
		t.Errorf("siblings must not be aborted by a failure: %+v", res.Results)
	}
	if res.Results[1].Error == nil || res.Results[1].Error.Kind != errors.KindBackendError {
		t.Errorf("failed task: %+v", res.Results[1])
	}

	mu.Lock()
	defer mu.Unlock()
	started, completed := 0, 0
	for _, e := range seen {
		switch e.Type {
		case "task.started":
			started++
		case "task.completed":
			completed++
		}
	}
	if started != 3 || completed != 3 {
		t.Errorf("notifications: started=%d completed=%d", started, completed)
	}
}

// S6: three participants converge in round 3; further rounds abort and the
// artifacts are persisted.
func TestRoundtableConvergence(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataDir)

	h := newTestHarness(t, roundtableConfig, nil)
	installFakeBackend(t, "claude", `case "$*" in
*"ROUND 1/"*)
  msg="alpha bravo charlie delta echo foxtrot golf hotel india juliet"
  ;;
*)
  msg="kilo lima mike november oscar papa quebec romeo sierra tango"
  ;;
esac
echo "{\"session_id\":\"sid-$$\",\"result\":\"$msg\"}"
`)

	res := h.orch.Roundtable(context.Background(), RoundtableRequest{
		CD:    h.repo,
		Topic: "should we rewrite the scheduler",
		Participants: []Participant{
			{Name: "alpha", Role: "alpha"},
			{Name: "beta", Role: "beta"},
			{Name: "gamma", Role: "gamma"},
		},
		Rounds:           3,
		StageTimeoutSecs: 30,
		PersistArtifacts: true,
	})

	if !res.Success {
		t.Fatalf("roundtable failed: %+v", res)
	}
	if len(res.Rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(res.Rounds))
	}
	if res.AbortedReason != "discussion_converged_at_round_3" {
		t.Errorf("aborted reason: %q", res.AbortedReason)
	}
	last := res.Rounds[2]
	if last.Dynamics == nil || !last.Dynamics.Converged {
		t.Errorf("round 3 must carry the dynamics block: %+v", last.Dynamics)
	}
	if res.Rounds[1].Dynamics == nil || res.Rounds[1].Dynamics.Converged {
		t.Errorf("round 2 diverged from round 1, must not converge: %+v", res.Rounds[1].Dynamics)
	}
	for _, round := range res.Rounds {
		if round.FailedCount != 0 || len(round.Contributions) != 3 {
			t.Errorf("round %d: %+v", round.Round, round)
		}
	}

	if res.ArtifactDir == "" {
		t.Fatal("artifact dir missing")
	}
	for _, name := range []string{"run.start.json", "round-01.json", "round-02.json", "round-03.json", "run.complete.json"} {
		if _, err := os.Stat(filepath.Join(res.ArtifactDir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}
}

// Rounds past the first resume each participant's round-1 session.
func TestRoundtableResumeDiscipline(t *testing.T) {
	h := newTestHarness(t, roundtableConfig, nil)
	// Echo the resumed session back so the test can track continuity; new
	// sessions mint an id from the script's process id.
	installFakeBackend(t, "claude", `sid=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--resume" ]; then sid="$a"; fi
  prev="$a"
done
if [ -z "$sid" ]; then sid="fresh-$$"; fi
case "$*" in
*"ROUND 1/"*) msg="first round unique words everywhere" ;;
*) msg="later round words differ entirely again" ;;
esac
echo "{\"session_id\":\"$sid\",\"result\":\"$msg $sid\"}"
`)

	res := h.orch.Roundtable(context.Background(), RoundtableRequest{
		CD:    h.repo,
		Topic: "resume discipline",
		Participants: []Participant{
			{Name: "alpha", Role: "alpha"},
			{Name: "beta", Role: "beta"},
		},
		Rounds:           2,
		StageTimeoutSecs: 30,
	})

	if !res.Success {
		t.Fatalf("roundtable failed: %+v", res)
	}
	if len(res.Rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(res.Rounds))
	}

	round1 := map[string]string{}
	for _, c := range res.Rounds[0].Contributions {
		round1[c.Name] = c.SessionID
	}
	for _, c := range res.Rounds[1].Contributions {
		if c.SessionID != round1[c.Name] {
			t.Errorf("%s: round 2 session %q != round 1 session %q", c.Name, c.SessionID, round1[c.Name])
		}
	}
}

func TestRoundtableStageTimeout(t *testing.T) {
	h := newTestHarness(t, roundtableConfig, nil)
	installFakeBackend(t, "claude", "sleep 30\n")

	res := h.orch.Roundtable(context.Background(), RoundtableRequest{
		CD:               h.repo,
		Topic:            "a topic",
		Participants:     []Participant{{Name: "alpha", Role: "alpha"}},
		Rounds:           1,
		StageTimeoutSecs: 1,
	})

	if res.Success {
		t.Error("all participants timing out must fail the roundtable")
	}
	if len(res.Rounds) != 1 {
		t.Fatalf("rounds: %d", len(res.Rounds))
	}
	c := res.Rounds[0].Contributions[0]
	if c.Error == nil {
		t.Fatal("expected a failed contribution")
	}
	if c.Error.Kind != errors.KindStageTimeout && c.Error.Kind != errors.KindTimeout {
		t.Errorf("expected stage_timeout, got %s", c.Error.Kind)
	}
}

func TestRoundtableAnonymousViewpoints(t *testing.T) {
	h := newTestHarness(t, roundtableConfig, nil)
	installFakeBackend(t, "claude", `case "$*" in
*"ROUND 1/"*) msg="first words one two three four five six" ;;
*) msg="second words seven eight nine ten eleven" ;;
esac
echo "{\"session_id\":\"a-$$\",\"result\":\"$msg\"}"
`)

	res := h.orch.Roundtable(context.Background(), RoundtableRequest{
		CD:    h.repo,
		Topic: "anonymity",
		Participants: []Participant{
			{Name: "alice", Role: "alpha"},
			{Name: "bob", Role: "beta"},
		},
		Rounds:              2,
		StageTimeoutSecs:    30,
		AnonymousViewpoints: true,
	})
	if !res.Success {
		t.Fatalf("roundtable failed: %+v", res)
	}
	// Carryover stats prove round 2 saw context; real names never reach it.
	if res.Rounds[1].ContextStats.CarryoverChars == 0 {
		t.Error("round 2 should receive carryover")
	}
}

func TestRoundtableValidation(t *testing.T) {
	h := newTestHarness(t, roundtableConfig, nil)

	res := h.orch.Roundtable(context.Background(), RoundtableRequest{CD: h.repo, Topic: " "})
	if res.Error == nil {
		t.Error("empty topic must fail")
	}

	res = h.orch.Roundtable(context.Background(), RoundtableRequest{CD: h.repo, Topic: "t"})
	if res.Error == nil {
		t.Error("missing participants must fail")
	}
}
