package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
	"github.com/troika/troika/internal/roles"
	"github.com/troika/troika/internal/session"
	"github.com/troika/troika/pkg/rpc"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

const serverConfig = `{
  "backend": { "claude": {} },
  "roles": {
    "builder": {
      "model": "claude/default",
      "capabilities": { "filesystem": "read-only", "shell": "deny", "network": "deny", "tools": [] }
    }
  }
}`

func startToolServer(t *testing.T) (io.WriteCloser, *bufio.Reader, string) {
	t.Helper()
	t.Setenv("TROIKA_CLIENT", "")
	t.Setenv("TROIKA_CONVERSATION_ID", "")

	cfgDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(serverConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	repo, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	log := testLogger(t)
	store := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), log)
	eng := engine.New(&roles.Loader{UserConfigDir: cfgDir}, store, log)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := rpc.NewServer(inR, outW, log)
	New(transport, eng, events.NewHub(), log)

	go func() { _ = transport.Serve(context.Background()) }()
	return inW, bufio.NewReader(outR), repo
}

func call(t *testing.T, in io.Writer, out *bufio.Reader, id int, method string, params any) rpc.Response {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	data, _ := json.Marshal(req)
	if _, err := in.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
	line, err := out.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("bad response %q: %v", line, err)
	}
	return resp
}

func TestInitializeHandshake(t *testing.T) {
	in, out, _ := startToolServer(t)
	defer in.Close()

	resp := call(t, in, out, 1, "initialize", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		t.Fatal(err)
	}
	if init.Name != "troika" || len(init.Methods) != 4 {
		t.Errorf("got %+v", init)
	}
}

func TestInfoOverRPC(t *testing.T) {
	in, out, repo := startToolServer(t)
	defer in.Close()

	resp := call(t, in, out, 2, "info", map[string]any{"cd": repo})
	if resp.Error != nil {
		t.Fatalf("info failed: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var info engine.InfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if !info.Success || len(info.Roles) != 1 || info.Roles[0].ID != "builder" {
		t.Errorf("info: %+v", info)
	}
}

func TestCallOverRPCReportsErrorsInResult(t *testing.T) {
	in, out, repo := startToolServer(t)
	defer in.Close()

	// Unknown role: a per-call failure rides in the result payload, not as a
	// protocol error.
	resp := call(t, in, out, 3, "call", map[string]any{
		"prompt": "hi", "cd": repo, "role": "ghost",
	})
	if resp.Error != nil {
		t.Fatalf("protocol error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var res engine.CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == nil || res.Error.Kind != "unknown_role" {
		t.Errorf("result: %+v", res)
	}
}

func TestInvalidParams(t *testing.T) {
	in, out, _ := startToolServer(t)
	defer in.Close()

	resp := call(t, in, out, 4, "call", "not an object")
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}
