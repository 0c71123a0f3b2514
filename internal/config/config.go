package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus backends.
const (
	BackendSim    = "sim"    // in-process simulated device bus
	BackendNetbus = "netbus" // remote device bus over TCP
)

// ServerConfig holds the HTTP request layer settings.
type ServerConfig struct {
	Port           int    `yaml:"port"`             // default listen port when -web is given without value
	ImageURLPrefix string `yaml:"image_url_prefix"` // URL prefix for generated images (default: /images)
}

// BusConfig selects and tunes the device-control bus client.
type BusConfig struct {
	Backend       string  `yaml:"backend"`         // "sim" or "netbus"
	Address       string  `yaml:"address"`         // host:port of the bus server (netbus only)
	CallTimeoutMs int     `yaml:"call_timeout_ms"` // bound on property calls; exposures add their duration
	SimSpeed      float64 `yaml:"sim_speed"`       // simulator exposure time factor (1 = real time)
}

// CaptureConfig describes how frames are converted and how many exposures may run at once.
type CaptureConfig struct {
	WorkDir         string `yaml:"work_dir"`          // where converted images are written
	ImageFormat     string `yaml:"image_format"`      // "jpg" or "png"
	HistogramBins   int    `yaml:"histogram_bins"`    // default 256
	HistogramLogY   bool   `yaml:"histogram_log_y"`   // log-scaled histogram counts
	PreviewMaxWidth int    `yaml:"preview_max_width"` // downscale wider frames; 0 = keep size
	Workers         int    `yaml:"workers"`           // global bound on in-flight exposures
}

// EventsConfig tunes the event bus and the event stream.
type EventsConfig struct {
	QueueSize    int `yaml:"queue_size"`    // per-subscriber queue bound
	HeartbeatSec int `yaml:"heartbeat_sec"` // SSE heartbeat interval
}

// StepConfig is one step of a capture sequence.
type StepConfig struct {
	Device   string  `yaml:"device"`
	Exposure float64 `yaml:"exposure"` // seconds
	Count    int     `yaml:"count"`    // exposures in this step (default 1)
}

// SequenceConfig is a named, steppable capture plan.
type SequenceConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// IndicatorConfig drives a GPIO line high while an exposure is running.
type IndicatorConfig struct {
	Enabled  bool `yaml:"enabled"`
	Pin      int  `yaml:"pin"`       // BCM pin number
	MockGPIO bool `yaml:"mock_gpio"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// MQTTConfig enables forwarding of events to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "ccdpreview/events"
	QoS         int    `yaml:"qos"`          // 0, 1 or 2
}

// DiscoveryConfig enables mDNS advertisement of the HTTP endpoint.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`  // default: hostname
	Interface string `yaml:"interface"` // empty = all interfaces
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Bus       BusConfig        `yaml:"bus"`
	Capture   CaptureConfig    `yaml:"capture"`
	Events    EventsConfig     `yaml:"events"`
	Sequences []SequenceConfig `yaml:"sequences"`
	Indicator IndicatorConfig  `yaml:"indicator"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
	Defaults  DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath accepts only *.yaml files located in a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, validates it and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.ImageURLPrefix == "" {
		cfg.Server.ImageURLPrefix = "/images"
	}
	cfg.Server.ImageURLPrefix = "/" + strings.Trim(cfg.Server.ImageURLPrefix, "/")

	// Device bus
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = BackendSim
	}
	switch cfg.Bus.Backend {
	case BackendSim:
	case BackendNetbus:
		if cfg.Bus.Address == "" {
			return nil, fmt.Errorf("bus.address is required for backend %q", BackendNetbus)
		}
	default:
		return nil, fmt.Errorf("unsupported bus.backend: %s", cfg.Bus.Backend)
	}
	if cfg.Bus.CallTimeoutMs <= 0 {
		cfg.Bus.CallTimeoutMs = 10000 // 10s
	}
	if cfg.Bus.SimSpeed < 0 {
		return nil, fmt.Errorf("bus.sim_speed must be >= 0, got %.2f", cfg.Bus.SimSpeed)
	}
	if cfg.Bus.SimSpeed == 0 {
		cfg.Bus.SimSpeed = 1
	}

	// Capture
	if cfg.Capture.WorkDir == "" {
		cfg.Capture.WorkDir = filepath.Join(os.TempDir(), "ccdpreview")
	}
	if cfg.Capture.ImageFormat == "" {
		cfg.Capture.ImageFormat = "jpg"
	}
	if cfg.Capture.ImageFormat != "jpg" && cfg.Capture.ImageFormat != "png" {
		return nil, fmt.Errorf("capture.image_format must be jpg or png, got %q", cfg.Capture.ImageFormat)
	}
	if cfg.Capture.HistogramBins == 0 {
		cfg.Capture.HistogramBins = 256
	}
	if cfg.Capture.HistogramBins < 2 || cfg.Capture.HistogramBins > 256 {
		return nil, fmt.Errorf("capture.histogram_bins must be between 2 and 256, got %d", cfg.Capture.HistogramBins)
	}
	if cfg.Capture.PreviewMaxWidth < 0 {
		return nil, fmt.Errorf("capture.preview_max_width must be >= 0, got %d", cfg.Capture.PreviewMaxWidth)
	}
	if cfg.Capture.Workers <= 0 {
		cfg.Capture.Workers = 4
	}

	// Events
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 64
	}
	if cfg.Events.HeartbeatSec <= 0 {
		cfg.Events.HeartbeatSec = 30
	}

	if err := validateSequences(cfg.Sequences); err != nil {
		return nil, err
	}

	if cfg.Indicator.Enabled && cfg.Indicator.Pin <= 0 {
		return nil, fmt.Errorf("indicator.pin must be > 0 when indicator is enabled")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return nil, fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return nil, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "ccdpreview"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ccdpreview/events"
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

func validateSequences(seqs []SequenceConfig) error {
	seen := make(map[string]struct{}, len(seqs))
	for i := range seqs {
		s := &seqs[i]
		if s.Name == "" {
			return fmt.Errorf("sequences[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate sequence name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(s.Steps) == 0 {
			return fmt.Errorf("sequence %q has no steps", s.Name)
		}
		for j := range s.Steps {
			st := &s.Steps[j]
			if st.Device == "" {
				return fmt.Errorf("sequence %q step %d: device is required", s.Name, j)
			}
			if st.Exposure <= 0 {
				return fmt.Errorf("sequence %q step %d: exposure must be > 0, got %g", s.Name, j, st.Exposure)
			}
			if st.Count < 0 {
				return fmt.Errorf("sequence %q step %d: count must be >= 0, got %d", s.Name, j, st.Count)
			}
			if st.Count == 0 {
				st.Count = 1
			}
		}
	}
	return nil
}

// CallTimeout returns the bound on a single device-bus call.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Bus.CallTimeoutMs) * time.Millisecond
}

// Heartbeat returns the idle interval between SSE heartbeat comments.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Events.HeartbeatSec) * time.Second
}
