package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/kafswarm/internal/dag"
	"github.com/KafClaw/kafswarm/internal/orchestrator"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// isolate points HOME at a temp dir and speeds up polling.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFSWARM_HOME", "")
	t.Setenv("KAFSWARM_CONFIG", "")
	t.Setenv("KAFSWARM_ENV_FILE", "")
	t.Setenv("KAFSWARM_ORCHESTRATOR_POLL_INTERVAL", "5ms")
	t.Setenv("KAFSWARM_CONSENSUS_TIMEOUT", "5s")
	return home
}

func writeGraph(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "graph.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	return path
}

const diamondYAML = `
name: article
steps:
  - id: outline
    agent: planner
    capabilities: [plan]
  - id: research
    capabilities: [search]
    depends_on: [outline]
  - id: seo
    capabilities: [search]
    depends_on: [outline]
  - id: draft
    agent: writer
    description: write the article
    depends_on: [research, seo]
`

func TestGraphAgents(t *testing.T) {
	g, err := dag.ParseGraph([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	agents := graphAgents(*g)
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	if strings.Join(ids, ",") != "planner,worker-search,writer" {
		t.Fatalf("unexpected agents %v", ids)
	}
	if agents[0].Capabilities[0] != "plan" || len(agents[2].Capabilities) != 0 {
		t.Fatalf("unexpected capabilities %+v", agents)
	}
}

func TestGraphAgentsSanitisesCapabilityNames(t *testing.T) {
	g := dag.Graph{Steps: []dag.Step{
		{ID: "a", Capabilities: []string{"web search"}},
		{ID: "b", Capabilities: []string{"web/search"}},
	}}
	agents := graphAgents(g)
	if len(agents) != 1 || agents[0].ID != "worker-web_search" {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if strings.Join(agents[0].Capabilities, ",") != "web search,web/search" {
		t.Fatalf("merged worker should hold both tags, got %v", agents[0].Capabilities)
	}
}

func TestRunRejectsUnsafeAgentID(t *testing.T) {
	home := isolate(t)
	path := writeGraph(t, home, "steps:\n  - id: one\n    agent: \"bad/agent\"\n")
	if _, err := runRootCommand(t, "run", path); err == nil || !strings.Contains(err.Error(), "invalid agent id") {
		t.Fatalf("expected invalid agent id error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Version: "+version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigShowAppliesEnv(t *testing.T) {
	isolate(t)
	t.Setenv("KAFSWARM_BUS_NAMESPACE", "team-a")
	t.Setenv("KAFSWARM_BUS_KAFKA_SASL_PASSWORD", "secret")

	out, err := runRootCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, `"namespace": "team-a"`) {
		t.Fatalf("namespace override missing:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("password not redacted:\n%s", out)
	}
}

func TestConfigPathListsEnvFiles(t *testing.T) {
	home := isolate(t)
	t.Cleanup(func() { configPathEnv = false })
	envDir := filepath.Join(home, ".config", "kafswarm")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("KAFSWARM_BUS_NAMESPACE=x\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	out, err := runRootCommand(t, "config", "path", "--env")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 3 || lines[0] != filepath.Join(home, ".kafswarm", "config.json") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if lines[1] != "✓ env "+filepath.Join(envDir, "env") || !strings.HasPrefix(lines[2], "✗ env ") {
		t.Fatalf("unexpected env listing:\n%s", out)
	}
}

func TestRunGraphRecordsTimeline(t *testing.T) {
	home := isolate(t)
	path := writeGraph(t, home, diamondYAML)

	out, err := runRootCommand(t, "run", path, "--workspace", "ws-cli")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var wf orchestrator.Workflow
	if err := json.Unmarshal([]byte(out), &wf); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if wf.Status != orchestrator.StatusComplete {
		t.Fatalf("unexpected status %s: %s", wf.Status, wf.Error)
	}
	result, ok := wf.Result.(map[string]any)
	if !ok || len(result) != 4 {
		t.Fatalf("expected four step outputs, got %v", wf.Result)
	}
	draft, _ := result["draft"].(map[string]any)
	if !strings.Contains(draft["summary"].(string), "writer completed draft") {
		t.Fatalf("unexpected draft output %v", draft)
	}

	out, err = runRootCommand(t, "workflows")
	if err != nil {
		t.Fatalf("workflows: %v", err)
	}
	if !strings.Contains(out, wf.ID) || !strings.Contains(out, "COMPLETE") {
		t.Fatalf("workflow missing from list:\n%s", out)
	}

	out, err = runRootCommand(t, "history", wf.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "workflow.started") || !strings.Contains(out, "workflow.completed") {
		t.Fatalf("lifecycle events missing:\n%s", out)
	}

	out, err = runRootCommand(t, "usage", "--workspace", "ws-cli")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	for _, agent := range []string{"planner", "worker-search", "writer"} {
		if !strings.Contains(out, agent) {
			t.Fatalf("usage of %s missing:\n%s", agent, out)
		}
	}
}

func TestRunRejectsMissingGraph(t *testing.T) {
	home := isolate(t)
	if _, err := runRootCommand(t, "run", filepath.Join(home, "nope.yaml")); err == nil {
		t.Fatal("expected error for missing graph file")
	}
}

func TestDebateCommand(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "debate", "launch",
		"--vote", "alice=publish", "--vote", "bob=publish", "--vote", "carol=hold")
	if err != nil {
		t.Fatalf("debate: %v\n%s", err, out)
	}
	var wf struct {
		Status string                  `json:"status"`
		Result orchestrator.Resolution `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &wf); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if wf.Result.Decision != "publish" || wf.Result.Unanimous {
		t.Fatalf("unexpected resolution %+v", wf.Result)
	}
	if wf.Result.Consensus == nil || !wf.Result.Consensus.ConsensusReached {
		t.Fatalf("expected consensus to be reached: %+v", wf.Result.Consensus)
	}
}

func TestStatusWithoutTimeline(t *testing.T) {
	isolate(t)
	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Bus:      memory") || !strings.Contains(out, "No database yet") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}
