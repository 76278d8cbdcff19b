package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"~/.aicli"`
	ConfigFile   string `envconfig:"CONFIG_FILE" default:""`   // <data>/config.json
	LogPath      string `envconfig:"LOG_PATH" default:""`      // <data>/aicli.log
	DatabasePath string `envconfig:"DATABASE_PATH" default:""` // <data>/aicli.db
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8765"`

	// Tunnel settings
	SSHBinary          string        `envconfig:"SSH_BINARY" default:"ssh"`
	TunnelGracePeriod  time.Duration `envconfig:"TUNNEL_GRACE_PERIOD" default:"2s"`
	TunnelProbeTimeout time.Duration `envconfig:"TUNNEL_PROBE_TIMEOUT" default:"5s"`
	TunnelStopTimeout  time.Duration `envconfig:"TUNNEL_STOP_TIMEOUT" default:"10s"`
	TunnelReadyTimeout time.Duration `envconfig:"TUNNEL_READY_TIMEOUT" default:"10s"`
}

var Cfg Settings

// Parse reads AICLI_* variables and resolves the paths derived from DataPath.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process("AICLI", &s); err != nil {
		return s, err
	}
	dataPath, err := expandHome(s.DataPath)
	if err != nil {
		return s, fmt.Errorf("data path: %w", err)
	}
	s.DataPath = dataPath
	if s.ConfigFile == "" {
		s.ConfigFile = filepath.Join(dataPath, "config.json")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(dataPath, "aicli.log")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(dataPath, "aicli.db")
	}
	for name, d := range map[string]time.Duration{
		"TUNNEL_GRACE_PERIOD":  s.TunnelGracePeriod,
		"TUNNEL_PROBE_TIMEOUT": s.TunnelProbeTimeout,
		"TUNNEL_STOP_TIMEOUT":  s.TunnelStopTimeout,
		"TUNNEL_READY_TIMEOUT": s.TunnelReadyTimeout,
	} {
		if d <= 0 {
			return s, fmt.Errorf("AICLI_%s must be positive, got %s", name, d)
		}
	}
	return s, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
