// Package democonfig loads the optional YAML overlay for the demo binary
// (cmd/pgpubsubd): HTTP port, gin mode, and the lock janitor's cron
// schedule. Nothing here governs the library itself — pgpubsub.Options
// covers that.
package democonfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the demo binary's own settings, independent of pgpubsub.Options.
type Config struct {
	HTTPPort    string `yaml:"http_port"`
	GinMode     string `yaml:"gin_mode"`
	JanitorCron string `yaml:"janitor_cron"`
	DemoChannel string `yaml:"demo_channel"`
}

// Default returns the demo binary's built-in settings.
func Default() Config {
	return Config{
		HTTPPort:    "8080",
		GinMode:     "debug",
		JanitorCron: "@every 1m",
		DemoChannel: "orders",
	}
}

// Load reads path, if non-empty, and overlays it onto the defaults. Missing
// environment variables referenced in the file (${VAR} or $VAR) expand to
// "" via ExpandEnv before the YAML is parsed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("democonfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("democonfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath finds the demo config file. Priority: PGPUBSUBD_CONFIG env
// var, then ./pgpubsubd.yaml, then no file (defaults only).
func ResolvePath() string {
	if p := os.Getenv("PGPUBSUBD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("pgpubsubd.yaml"); err == nil {
		return "pgpubsubd.yaml"
	}
	return ""
}

// ExpandEnv expands ${VAR} and $VAR references in YAML content. Missing
// variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
