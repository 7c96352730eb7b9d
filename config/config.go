// Package config is qcp's YAML configuration layer: per-session tuning
// knobs (rx/tx/rtt, congestion profile, port range, ssh options) plus
// the log-rotation settings wired to lumberjack. Flags set on the
// command line (package main, spec §6) override whatever a config file
// sets; SetDefaults fills in anything neither supplied.
//
// Grounded on config/salmon_config.go: the custom DurationString and
// SizeString YAML scalar types are kept nearly verbatim (the teacher's
// own `UnmarshalYAML` parsing rules for "10s"/"5m" and "10K"/"2M"/"1G"),
// generalized from per-bridge settings (SalmonBridgeConfig) to qcp's
// single per-session Config.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"qcp/congestion"
)

// GlobalLogConfig holds optional global log file settings, shaped
// exactly like a lumberjack.Logger so NewLogWriter can build one
// directly from it.
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

// NewLogWriter builds the io.Writer log.SetOutput should use. A nil or
// empty-Filename config logs to stderr (matching the teacher's "empty
// string means log to stdout"-style default, adjusted to stderr since
// qcp's stdout is reserved for the control channel when running
// --server).
func (c *GlobalLogConfig) NewLogWriter() io.Writer {
	if c == nil || c.Filename == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.Filename,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// DurationString supports "10s", "5m" (only lowercase s/m).
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "10K", "10M", "1G" (uppercase only).
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid size string: %s (must end with 'K','M','G')", value.Value)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

func (s SizeString) Bytes() int64 {
	return int64(s)
}

// Config holds the full set of per-session tuning knobs spec §6 and §4.4
// expose, plus the SSH launcher's and log sink's settings.
type Config struct {
	Rx         SizeString       `yaml:"rx,omitempty"`         // bytes/sec, spec §4.4
	Tx         SizeString       `yaml:"tx,omitempty"`         // bytes/sec, spec §4.4
	RTT        DurationString   `yaml:"rtt,omitempty"`        // spec §4.4
	Congestion string           `yaml:"congestion,omitempty"` // "cubic" | "bbr"
	PortLow    int              `yaml:"portLow,omitempty"`    // spec §4.4 port range
	PortHigh   int              `yaml:"portHigh,omitempty"`
	Family     string           `yaml:"family,omitempty"` // "auto" | "ipv4" | "ipv6"
	SSHConfig  string           `yaml:"sshConfig,omitempty"`  // path override for ~/.ssh/config
	SSHCommand string           `yaml:"sshCommand,omitempty"` // defaults to "ssh"
	SSHOptions []string         `yaml:"sshOptions,omitempty"` // -o passthrough, spec §4.8
	ChunkSize  SizeString       `yaml:"chunkSize,omitempty"`  // spec §4.6, default 128KiB
	GlobalLog  *GlobalLogConfig `yaml:"globallog,omitempty"`
}

// SetDefaults fills in anything the operator and config file left
// unset (spec §4.4: "defaults target 100 Mbit x 300ms").
func (c *Config) SetDefaults() {
	if c.Rx == 0 {
		c.Rx = SizeString(12_500_000) // 100 Mbit/s in bytes/sec
	}
	if c.Tx == 0 {
		c.Tx = SizeString(12_500_000)
	}
	if c.RTT == 0 {
		c.RTT = DurationString(300 * time.Millisecond)
	}
	if c.Congestion == "" {
		c.Congestion = string(congestion.ProfileCubic)
	}
	if c.Family == "" {
		c.Family = "auto"
	}
	if c.SSHCommand == "" {
		c.SSHCommand = "ssh"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = SizeString(128 << 10)
	}
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{}
	}
}

// CongestionParams converts the resolved config into the
// congestion.Params the transport adapter derives its QUIC windows
// from.
func (c *Config) CongestionParams() (congestion.Params, error) {
	profile, err := congestion.ParseProfile(c.Congestion)
	if err != nil {
		return congestion.Params{}, err
	}
	return congestion.Params{
		RxBytesPerSec: c.Rx.Bytes(),
		TxBytesPerSec: c.Tx.Bytes(),
		RTT:           c.RTT.Duration(),
		Profile:       profile,
	}, nil
}

// LoadConfig loads config from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}
