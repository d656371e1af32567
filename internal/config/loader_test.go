package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME and KAFSWARM_* lookups at a temp dir for one test.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("KAFSWARM_HOME", "")
	t.Setenv("KAFSWARM_CONFIG", "")
	t.Setenv("KAFSWARM_ENV_FILE", "")
	return tmpDir
}

func writeConfig(t *testing.T, home, name, body string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Backend != BackendMemory || cfg.Store.Backend != BackendMemory {
		t.Fatalf("unexpected backends %q/%q", cfg.Bus.Backend, cfg.Store.Backend)
	}
	wantData := filepath.Join(home, ".kafswarm", "data")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("data dir = %q, want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Store.SQLitePath != filepath.Join(wantData, "swarm.db") || cfg.Paths.TimelineDB != filepath.Join(wantData, "timeline.db") {
		t.Fatalf("derived paths not set: %q %q", cfg.Store.SQLitePath, cfg.Paths.TimelineDB)
	}
	if cfg.Consensus.Threshold != 0.6 || cfg.Orchestrator.MaxParallel != 4 || cfg.Registry.HeartbeatTTL != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "base.json", `{
		"bus": { "backend": "kafka", "kafkaBrokers": "base:9092", "namespace": "base" },
		"consensus": { "rounds": 3 }
	}`)
	writeConfig(t, home, ConfigFile, `{
		"$include": "base.json",
		"bus": { "kafkaBrokers": "${TEST_BROKERS}" },
		"store": { "backend": "SQLite" }
	}`)
	t.Setenv("TEST_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Bus.Backend != BackendKafka || cfg.Bus.Namespace != "base" {
		t.Fatalf("expected values from include file, got %+v", cfg.Bus)
	}
	brokers := cfg.Bus.Brokers()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", brokers)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Fatalf("store backend should normalise to sqlite, got %q", cfg.Store.Backend)
	}
	if cfg.Consensus.Rounds != 3 {
		t.Fatalf("expected rounds from include, got %d", cfg.Consensus.Rounds)
	}
}

func TestLoadIncludeCycleFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "a.json", `{"$include": "config.json"}`)
	writeConfig(t, home, ConfigFile, `{"$include": "a.json"}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, ConfigFile, `{"orchestrator": {"maxParallel": 2}, "registry": {"metricsAlpha": 0.8}}`)
	t.Setenv("KAFSWARM_ORCHESTRATOR_MAX_PARALLEL", "9")
	t.Setenv("KAFSWARM_ORCHESTRATOR_BARRIER_TIMEOUT", "90s")
	t.Setenv("KAFSWARM_STORE_DEFAULT_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.MaxParallel != 9 {
		t.Fatalf("env should win over file, got %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Orchestrator.BarrierTimeout != 90*time.Second || cfg.Store.DefaultTTL != 2*time.Hour {
		t.Fatalf("durations not parsed: %v %v", cfg.Orchestrator.BarrierTimeout, cfg.Store.DefaultTTL)
	}
	if cfg.Registry.MetricsAlpha != 0.8 {
		t.Fatalf("file value lost: %v", cfg.Registry.MetricsAlpha)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, ConfigFile, `{"bus":`)
	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestConfigPathRespectsKafswarmConfigAndHome(t *testing.T) {
	isolate(t)
	t.Setenv("KAFSWARM_HOME", "/srv/swarmhome")
	t.Setenv("KAFSWARM_CONFIG", "~/.kafswarm/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/swarmhome", ".kafswarm", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestSaveAndEnsureDir(t *testing.T) {
	home := isolate(t)

	cfg := DefaultConfig()
	cfg.Bus.Namespace = "saved"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	path, _ := ConfigPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("saved config file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config should be 0600, got %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil || loaded.Bus.Namespace != "saved" {
		t.Fatalf("round trip lost namespace: %v %+v", err, loaded)
	}

	newDir := filepath.Join(home, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}

func TestSubstituteEnvValuesLeavesUnknownToken(t *testing.T) {
	input := map[string]any{
		"value": "${NOT_SET_VAR}",
	}
	out := substituteEnvValues(input).(map[string]any)
	if out["value"] != "${NOT_SET_VAR}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}
