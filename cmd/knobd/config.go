package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"knobd/encoder"
)

// Config is the top-level YAML configuration for the knobd daemon.
//
// The config file is the primary configuration surface; flags exist for
// small overrides and for environments where a file is awkward.
type Config struct {
	// GPIO line wiring
	GPIO GPIOConfig `yaml:"gpio"`

	// Encoder decoding configuration
	Encoder EncoderConfig `yaml:"encoder"`

	// Velocity engine configuration
	Velocity VelocityConfig `yaml:"velocity"`

	// State WebSocket server configuration
	State StateConfig `yaml:"state"`

	// IPC configuration
	IPC IPCConfig `yaml:"ipc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type GPIOConfig struct {
	Chip     string `yaml:"chip"`
	LineDT   uint32 `yaml:"line_dt"`
	LineCLK  uint32 `yaml:"line_clk"`
	Consumer string `yaml:"consumer"`
	PullUp   bool   `yaml:"pull_up"`
}

type EncoderConfig struct {
	Sensitivity string `yaml:"sensitivity"` // "default" or "low"
}

type VelocityConfig struct {
	IncFactor float64 `yaml:"inc_factor"`
	DecFactor float64 `yaml:"dec_factor"`
	ActionMS  int     `yaml:"action_ms"`
	DecayHz   int     `yaml:"decay_hz"`
}

type StateConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSPath     string `yaml:"ws_path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go and the CLI defaults.
func DefaultConfig() Config {
	return Config{
		GPIO: GPIOConfig{
			Chip:     defaultGPIOChip,
			LineDT:   defaultLineDT,
			LineCLK:  defaultLineCLK,
			Consumer: defaultConsumer,
			PullUp:   true,
		},
		Encoder: EncoderConfig{
			Sensitivity: "default",
		},
		Velocity: VelocityConfig{
			IncFactor: encoder.DefaultVelocityIncFactor,
			DecFactor: encoder.DefaultVelocityDecFactor,
			ActionMS:  encoder.DefaultVelocityActionMS,
			DecayHz:   defaultDecayHz,
		},
		State: StateConfig{
			ListenAddr: defaultListenAddr,
			WSPath:     defaultWSPath,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true), and
// trailing garbage after the document is an error.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
// Each override is only applied if its pointer is non-nil.
type FlagOverrides struct {
	GPIOChip    *string
	GPIOLineDT  *uint
	GPIOLineCLK *uint
	GPIOPullUp  *bool

	Sensitivity *string

	VelIncFactor *float64
	VelDecFactor *float64
	VelActionMS  *int
	VelDecayHz   *int

	ListenAddr *string
	WSPath     *string

	IPCSocketPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg. Nil pointers are ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.GPIOChip != nil {
		cfg.GPIO.Chip = *o.GPIOChip
	}
	if o.GPIOLineDT != nil {
		cfg.GPIO.LineDT = uint32(*o.GPIOLineDT)
	}
	if o.GPIOLineCLK != nil {
		cfg.GPIO.LineCLK = uint32(*o.GPIOLineCLK)
	}
	if o.GPIOPullUp != nil {
		cfg.GPIO.PullUp = *o.GPIOPullUp
	}

	if o.Sensitivity != nil {
		cfg.Encoder.Sensitivity = *o.Sensitivity
	}

	if o.VelIncFactor != nil {
		cfg.Velocity.IncFactor = *o.VelIncFactor
	}
	if o.VelDecFactor != nil {
		cfg.Velocity.DecFactor = *o.VelDecFactor
	}
	if o.VelActionMS != nil {
		cfg.Velocity.ActionMS = *o.VelActionMS
	}
	if o.VelDecayHz != nil {
		cfg.Velocity.DecayHz = *o.VelDecayHz
	}

	if o.ListenAddr != nil {
		cfg.State.ListenAddr = *o.ListenAddr
	}
	if o.WSPath != nil {
		cfg.State.WSPath = *o.WSPath
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.GPIO.Chip == "" {
		return errors.New("gpio.chip must not be empty")
	}
	if c.GPIO.LineDT == c.GPIO.LineCLK {
		return errors.New("gpio.line_dt and gpio.line_clk must differ")
	}

	if _, err := parseSensitivity(c.Encoder.Sensitivity); err != nil {
		return err
	}

	if c.Velocity.IncFactor <= 0 || c.Velocity.IncFactor > 1 {
		return errors.New("velocity.inc_factor must be in (0, 1]")
	}
	if c.Velocity.DecFactor <= 0 || c.Velocity.DecFactor > 1 {
		return errors.New("velocity.dec_factor must be in (0, 1]")
	}
	if c.Velocity.ActionMS <= 0 {
		return errors.New("velocity.action_ms must be > 0")
	}
	if c.Velocity.DecayHz <= 0 || c.Velocity.DecayHz > 1000 {
		return errors.New("velocity.decay_hz must be between 1 and 1000")
	}

	if c.State.ListenAddr == "" {
		return errors.New("state.listen_addr must not be empty")
	}
	if c.State.WSPath == "" {
		return errors.New("state.ws_path must not be empty")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// parseSensitivity maps the config string onto the encoder enum.
func parseSensitivity(s string) (encoder.Sensitivity, error) {
	switch s {
	case "", "default":
		return encoder.SensitivityDefault, nil
	case "low":
		return encoder.SensitivityLow, nil
	default:
		return 0, fmt.Errorf("encoder.sensitivity must be %q or %q, got %q", "default", "low", s)
	}
}
