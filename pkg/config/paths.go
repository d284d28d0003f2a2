package config

import (
	"fmt"
	"os"
	"path/filepath"

	"vegeta/pkg/protocol"
)

// Paths holds all resolved vegeta state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home         string // ~/.vegeta or VEGETA_HOME
	Settings     string // settings.yaml or VEGETA_SETTINGS
	StateDB      string // state.db or VEGETA_DB_PATH
	PIDFile      string // vegeta.pid or VEGETA_PID_PATH
	LogFile      string // daemon.log or VEGETA_LOG_PATH
	AuditDir     string // audit/
	QueueDir     string // queue/ (incoming, outgoing, quarantine) or VEGETA_QUEUE_DIR
	SkillsDir    string // skills/
	AgentsDir    string // agents/
	Brain        string // brain.md or VEGETA_BRAIN_PATH
	Constitution string // constitution.md
}

// ResolvePaths returns all vegeta paths, respecting env var overrides.
// Environment variables:
//   - VEGETA_HOME: base directory for all state (default: ~/.vegeta)
//   - VEGETA_SETTINGS: settings file, .yaml/.yml or .toml (default: $VEGETA_HOME/settings.yaml)
//   - VEGETA_DB_PATH: state database (default: $VEGETA_HOME/state.db)
//   - VEGETA_PID_PATH: daemon PID file (default: $VEGETA_HOME/vegeta.pid)
//   - VEGETA_LOG_PATH: daemon log (default: $VEGETA_HOME/daemon.log)
//   - VEGETA_QUEUE_DIR: file-drop transport root (default: $VEGETA_HOME/queue)
//   - VEGETA_BRAIN_PATH: working notes file (default: $VEGETA_HOME/brain.md)
//
// If VEGETA_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the VEGETA_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	settings := os.Getenv("VEGETA_SETTINGS")
	if settings == "" {
		settings = filepath.Join(home, "settings.yaml")
		if _, err := os.Stat(settings); err != nil {
			if alt := filepath.Join(home, "settings.toml"); fileExists(alt) {
				settings = alt
			}
		}
	}

	return &Paths{
		Home:         home,
		Settings:     settings,
		StateDB:      resolvePathWithEnv("VEGETA_DB_PATH", home, "state.db"),
		PIDFile:      resolvePathWithEnv("VEGETA_PID_PATH", home, "vegeta.pid"),
		LogFile:      resolvePathWithEnv("VEGETA_LOG_PATH", home, "daemon.log"),
		AuditDir:     filepath.Join(home, protocol.AuditDir),
		QueueDir:     resolvePathWithEnv("VEGETA_QUEUE_DIR", home, protocol.QueueDir),
		SkillsDir:    filepath.Join(home, "skills"),
		AgentsDir:    filepath.Join(home, "agents"),
		Brain:        resolvePathWithEnv("VEGETA_BRAIN_PATH", home, "brain.md"),
		Constitution: filepath.Join(home, "constitution.md"),
	}, nil
}

// resolveHome returns the home directory from VEGETA_HOME or ~/.vegeta.
func resolveHome() (string, error) {
	if v := os.Getenv("VEGETA_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
