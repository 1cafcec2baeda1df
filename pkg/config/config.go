// Package config parses and validates miel's TOML configuration file: one
// [global] table plus one or more [[service]] blocks. Unknown keys are
// fatal, per the external-interfaces contract.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/types"
)

// fileConfig mirrors the TOML document shape exactly; field names map to
// the snake_case keys in the file via struct tags.
type fileConfig struct {
	Global  globalSection   `toml:"global"`
	Service []serviceSection `toml:"service"`
}

type globalSection struct {
	BindAddress string `toml:"bind_address"`
	LogLevel    string `toml:"log_level"`
	LogDir      string `toml:"log_dir"`
	MaxSessions int    `toml:"max_sessions"`
	Pool        struct {
		WarmDeadlineMS    int64 `toml:"warm_deadline_ms"`
		AcquireDeadlineMS int64 `toml:"acquire_deadline_ms"`
	} `toml:"pool"`
	Session struct {
		DrainDeadlineMS int64 `toml:"drain_deadline_ms"`
	} `toml:"session"`
}

type serviceSection struct {
	Name              string          `toml:"name"`
	Port              int             `toml:"port"`
	Protocol          string          `toml:"protocol"`
	ContainerTemplate string          `toml:"container_template"`
	Bridge            string          `toml:"bridge"`
	Capture           captureSection  `toml:"capture"`
	Session           sessionSection  `toml:"session"`
	PoolTarget        int             `toml:"pool_target"`
	Filter            []filterSection `toml:"filter"`
}

type captureSection struct {
	PTY      bool `toml:"pty"`
	PCAP     bool `toml:"pcap"`
	Metadata bool `toml:"metadata"`
}

type sessionSection struct {
	TimeoutSeconds int   `toml:"timeout_seconds"`
	MaxBytes       int64 `toml:"max_bytes"`
}

type filterSection struct {
	Action string `toml:"action"`
	CIDR   string `toml:"cidr"`
}

// Config is the fully parsed, validated configuration: a GlobalConfig plus
// the set of ServiceConfigs that Controller fans out to Pool and Listener
// Set.
type Config struct {
	Global   types.GlobalConfig
	Services []types.ServiceConfig
}

// Default timing values applied when a TOML document omits them (spec §4,
// §6 defaults).
const (
	defaultWarmDeadline       = 10 * time.Second
	defaultAcquireDeadline    = 250 * time.Millisecond
	defaultDrainDeadline      = 30 * time.Second
	defaultRecordBackpressure = 100 * time.Millisecond
	defaultDrainGrace         = 2 * time.Second
	defaultMaxSessions        = 1024
)

// Load reads and validates a TOML config file at path. Unknown keys are
// rejected: toml.Decoder runs in strict mode so typos surface as
// config_invalid rather than being silently ignored.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrConfigInvalid, path, err)
	}
	return Parse(raw)
}

// Parse validates and converts raw TOML bytes into a Config.
func Parse(raw []byte) (*Config, error) {
	var fc fileConfig
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}

	cfg := &Config{
		Global: types.GlobalConfig{
			BindAddress:        orDefault(fc.Global.BindAddress, "0.0.0.0"),
			LogLevel:           orDefault(fc.Global.LogLevel, "info"),
			LogDir:             orDefault(fc.Global.LogDir, "/var/log/miel"),
			MaxSessions:        intOrDefault(fc.Global.MaxSessions, defaultMaxSessions),
			WarmDeadline:       msOrDefault(fc.Global.Pool.WarmDeadlineMS, defaultWarmDeadline),
			AcquireDeadline:    msOrDefault(fc.Global.Pool.AcquireDeadlineMS, defaultAcquireDeadline),
			DrainDeadline:      msOrDefault(fc.Global.Session.DrainDeadlineMS, defaultDrainDeadline),
			RecordBackpressure: defaultRecordBackpressure,
			DrainGrace:         defaultDrainGrace,
		},
	}

	seen := make(map[string]bool, len(fc.Service))
	for _, s := range fc.Service {
		svc, err := convertService(s)
		if err != nil {
			return nil, err
		}
		if seen[svc.Key()] {
			return nil, fmt.Errorf("%w: duplicate (port, transport) %s for service %q",
				errs.ErrConfigInvalid, svc.Key(), svc.Name)
		}
		seen[svc.Key()] = true
		cfg.Services = append(cfg.Services, svc)
	}

	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("%w: no [[service]] blocks defined", errs.ErrConfigInvalid)
	}

	return cfg, nil
}

func convertService(s serviceSection) (types.ServiceConfig, error) {
	if s.Name == "" {
		return types.ServiceConfig{}, fmt.Errorf("%w: service missing name", errs.ErrConfigInvalid)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return types.ServiceConfig{}, fmt.Errorf("%w: service %q has invalid port %d", errs.ErrConfigInvalid, s.Name, s.Port)
	}
	if s.ContainerTemplate == "" {
		return types.ServiceConfig{}, fmt.Errorf("%w: service %q missing container_template", errs.ErrConfigInvalid, s.Name)
	}

	var transport types.Transport
	switch s.Protocol {
	case "tcp", "":
		transport = types.TransportTCP
	case "udp":
		transport = types.TransportUDP
	default:
		return types.ServiceConfig{}, fmt.Errorf("%w: service %q has unknown protocol %q", errs.ErrConfigInvalid, s.Name, s.Protocol)
	}

	filters := make([]types.FilterRule, 0, len(s.Filter))
	for _, f := range s.Filter {
		var action types.Action
		switch f.Action {
		case "allow":
			action = types.ActionAllow
		case "deny":
			action = types.ActionDeny
		default:
			return types.ServiceConfig{}, fmt.Errorf("%w: service %q has unknown filter action %q", errs.ErrConfigInvalid, s.Name, f.Action)
		}
		filters = append(filters, types.FilterRule{Action: action, CIDR: f.CIDR})
	}

	poolTarget := s.PoolTarget
	if poolTarget <= 0 {
		poolTarget = 1
	}

	timeout := time.Duration(s.Session.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return types.ServiceConfig{
		Name:              s.Name,
		Port:              s.Port,
		Transport:         transport,
		ContainerTemplate: s.ContainerTemplate,
		Bridge:            s.Bridge,
		Capture: types.CaptureConfig{
			PTY:      s.Capture.PTY,
			PCAP:     s.Capture.PCAP,
			Metadata: true,
		},
		Session: types.SessionLimits{
			IdleTimeout: timeout,
			HardTimeout: timeout * 6,
			MaxBytes:    s.Session.MaxBytes,
		},
		PoolTarget: poolTarget,
		Filters:    filters,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
