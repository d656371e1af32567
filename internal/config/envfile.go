package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EnvPrefix marks the variables an env file may set.
const EnvPrefix = "KAFSWARM_"

// EnvFile is an env file Load consults, in precedence order.
type EnvFile struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// EnvFiles lists the env files Load reads: $KAFSWARM_ENV_FILE, then
// <home>/.config/kafswarm/env, then <home>/.kafswarm/env.
func EnvFiles() []EnvFile {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "ENV_FILE")); explicit != "" {
		paths = append(paths, expandHome(explicit))
	}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "kafswarm", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}

	seen := map[string]bool{}
	files := make([]EnvFile, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		_, err := os.Stat(p)
		files = append(files, EnvFile{Path: p, Exists: err == nil})
	}
	return files
}

// applyEnvFiles sets KAFSWARM_* variables from every existing env file.
// The process environment and earlier files take precedence.
func applyEnvFiles() error {
	for _, f := range EnvFiles() {
		if !f.Exists {
			continue
		}
		applied, err := loadEnvFile(f.Path)
		if err != nil {
			return fmt.Errorf("config: env file %s: %w", f.Path, err)
		}
		if len(applied) > 0 {
			slog.Debug("Config: applied env file", "path", f.Path, "keys", applied)
		}
	}
	return nil
}

// loadEnvFile parses KEY=VALUE lines (optionally prefixed with "export")
// and returns the keys it set. Keys outside EnvPrefix are ignored.
func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var applied []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			slog.Warn("Config: skipping malformed env line", "path", path, "line", n)
			continue
		}
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, envValue(val)); err != nil {
			return applied, err
		}
		applied = append(applied, key)
	}
	return applied, sc.Err()
}

// envValue unquotes a value. Unquoted values lose a trailing " # comment".
func envValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
