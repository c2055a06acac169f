// Package config loads conflabel settings from defaults, an optional TOML
// file and CONFLABEL_* environment variables. Command-line flags are applied
// on top by the caller.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zsiec/conflabel/internal/mpegts"
)

// ErrInvalid is wrapped by every validation and parse failure.
var ErrInvalid = errors.New("config: invalid")

// Gate kinds.
const (
	GateIptables = "iptables"
	GateLog      = "log"
	GateNone     = "none"
)

// EnvPrefix prefixes every environment override, as in CONFLABEL_INPUT.
const EnvPrefix = "CONFLABEL_"

// Config is the reader configuration. Durations are whole milliseconds so
// the TOML file and the environment use plain integers.
type Config struct {
	Input   string `toml:"input"`
	Output  string `toml:"output"`
	SRTAddr string `toml:"srt_addr"`

	Filter string `toml:"filter"`
	Limit  int    `toml:"limit"`

	ThresholdMS    int `toml:"threshold_ms"`
	PollIntervalMS int `toml:"poll_interval_ms"`

	Gate          string `toml:"gate"`
	IptablesPath  string `toml:"iptables_path"`
	IptablesChain string `toml:"iptables_chain"`

	AuditDB     string `toml:"audit_db"`
	MetricsAddr string `toml:"metrics_addr"`

	ProgramNumber    int    `toml:"program_number"`
	LabelStreamType  int    `toml:"label_stream_type"`
	LabelFormatID    string `toml:"label_format_id"`
	DiscoveryPackets int    `toml:"discovery_packets"`
	PacketSize       int    `toml:"packet_size"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ThresholdMS:      4000,
		PollIntervalMS:   1000,
		Gate:             GateIptables,
		IptablesPath:     "/usr/sbin/iptables-legacy",
		IptablesChain:    "OUTPUT",
		LabelStreamType:  mpegts.StreamTypeMetadataPES,
		LabelFormatID:    "4774",
		DiscoveryPackets: 1000,
		PacketSize:       mpegts.PacketSize,
	}
}

// Load returns the defaults overlaid with the file at path (if path is not
// empty) and the process environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadTOML(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML overlays the keys present in the file at path. Unknown keys are
// rejected.
func (c *Config) LoadTOML(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: %s: unknown keys %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays CONFLABEL_<KEY> variables, KEY being the upper-cased
// TOML key, looked up through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(EnvPrefix + key); v != "" {
			return v
		}
		return fallback
	}
	var errs []string
	envInt := func(key string, dst *int) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q is not an integer", EnvPrefix, key, v))
			return
		}
		*dst = int(n)
	}

	c.Input = envOr("INPUT", c.Input)
	c.Output = envOr("OUTPUT", c.Output)
	c.SRTAddr = envOr("SRT_ADDR", c.SRTAddr)
	c.Filter = envOr("FILTER", c.Filter)
	c.Gate = envOr("GATE", c.Gate)
	c.IptablesPath = envOr("IPTABLES_PATH", c.IptablesPath)
	c.IptablesChain = envOr("IPTABLES_CHAIN", c.IptablesChain)
	c.AuditDB = envOr("AUDIT_DB", c.AuditDB)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LabelFormatID = envOr("LABEL_FORMAT_ID", c.LabelFormatID)
	envInt("LIMIT", &c.Limit)
	envInt("THRESHOLD_MS", &c.ThresholdMS)
	envInt("POLL_INTERVAL_MS", &c.PollIntervalMS)
	envInt("PROGRAM_NUMBER", &c.ProgramNumber)
	envInt("LABEL_STREAM_TYPE", &c.LabelStreamType)
	envInt("DISCOVERY_PACKETS", &c.DiscoveryPackets)
	envInt("PACKET_SIZE", &c.PacketSize)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

// Error formats the field and message.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every rejected field.
type ValidateErrors []ValidationError

// Error joins every field failure.
func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "config: " + strings.Join(msgs, "; ")
}

// Is makes every ValidateErrors match ErrInvalid.
func (e ValidateErrors) Is(target error) bool { return target == ErrInvalid }

// Validate checks every field and returns all failures as ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.PacketSize != mpegts.PacketSize && c.PacketSize != mpegts.PacketSizeRS {
		add("packet_size", "must be %d or %d, got %d", mpegts.PacketSize, mpegts.PacketSizeRS, c.PacketSize)
	}
	if c.ThresholdMS <= 0 {
		add("threshold_ms", "must be positive, got %d", c.ThresholdMS)
	}
	if c.PollIntervalMS <= 0 {
		add("poll_interval_ms", "must be positive, got %d", c.PollIntervalMS)
	}
	if c.Limit < 0 {
		add("limit", "must not be negative, got %d", c.Limit)
	}
	if c.DiscoveryPackets <= 0 {
		add("discovery_packets", "must be positive, got %d", c.DiscoveryPackets)
	}
	if c.ProgramNumber < 0 || c.ProgramNumber > 0xFFFF {
		add("program_number", "must fit in 16 bits, got %d", c.ProgramNumber)
	}
	if c.LabelStreamType <= 0 || c.LabelStreamType > 0xFF {
		add("label_stream_type", "must be 1..255, got %d", c.LabelStreamType)
	}
	if c.LabelFormatID != "" && len(c.LabelFormatID) != 4 {
		add("label_format_id", "must be four bytes or empty, got %q", c.LabelFormatID)
	}
	if c.Filter != "" {
		if _, err := regexp.Compile(c.Filter); err != nil {
			add("filter", "%v", err)
		}
	}
	switch c.Gate {
	case GateIptables:
		if c.IptablesPath == "" || c.IptablesChain == "" {
			add("gate", "iptables gate needs iptables_path and iptables_chain")
		}
	case GateLog, GateNone:
	default:
		add("gate", "must be iptables, log or none, got %q", c.Gate)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Threshold is the silence after which the watchdog denies egress.
func (c *Config) Threshold() time.Duration {
	return time.Duration(c.ThresholdMS) * time.Millisecond
}

// PollInterval is how often the watchdog checks for silence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Matcher returns the PMT matcher for the label stream. An empty format
// identifier matches on stream type alone.
func (c *Config) Matcher() mpegts.LabelStreamMatcher {
	m := mpegts.LabelStreamMatcher{StreamType: uint8(c.LabelStreamType)}
	if len(c.LabelFormatID) == 4 {
		m.FormatIdentifier = binary.BigEndian.Uint32([]byte(c.LabelFormatID))
	}
	return m
}

// FilterRegexp compiles Filter, returning nil when no filter is set.
func (c *Config) FilterRegexp() (*regexp.Regexp, error) {
	if c.Filter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalid, err)
	}
	return re, nil
}
