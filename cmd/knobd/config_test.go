package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"knobd/encoder"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knobd.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}

	if cfg.GPIO.Chip != defaultGPIOChip {
		t.Errorf("expected chip %q, got %q", defaultGPIOChip, cfg.GPIO.Chip)
	}
	if cfg.Velocity.IncFactor != encoder.DefaultVelocityIncFactor {
		t.Errorf("expected inc_factor %v, got %v", encoder.DefaultVelocityIncFactor, cfg.Velocity.IncFactor)
	}
	if cfg.Velocity.ActionMS != encoder.DefaultVelocityActionMS {
		t.Errorf("expected action_ms %d, got %d", encoder.DefaultVelocityActionMS, cfg.Velocity.ActionMS)
	}
}

func TestLoadConfigFile_MergesOverDefaults(t *testing.T) {
	path := writeTempConfig(t, `
gpio:
  chip: /dev/gpiochip1
  line_dt: 5
  line_clk: 6
encoder:
  sensitivity: low
velocity:
  action_ms: 40
`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.GPIO.Chip != "/dev/gpiochip1" {
		t.Errorf("expected chip %q, got %q", "/dev/gpiochip1", cfg.GPIO.Chip)
	}
	if cfg.GPIO.LineDT != 5 || cfg.GPIO.LineCLK != 6 {
		t.Errorf("expected lines 5/6, got %d/%d", cfg.GPIO.LineDT, cfg.GPIO.LineCLK)
	}
	if cfg.Encoder.Sensitivity != "low" {
		t.Errorf("expected sensitivity %q, got %q", "low", cfg.Encoder.Sensitivity)
	}
	if cfg.Velocity.ActionMS != 40 {
		t.Errorf("expected action_ms 40, got %d", cfg.Velocity.ActionMS)
	}

	// Untouched sections keep their defaults.
	if cfg.State.ListenAddr != defaultListenAddr {
		t.Errorf("expected listen addr %q, got %q", defaultListenAddr, cfg.State.ListenAddr)
	}
	if cfg.Velocity.IncFactor != encoder.DefaultVelocityIncFactor {
		t.Errorf("expected inc_factor %v, got %v", encoder.DefaultVelocityIncFactor, cfg.Velocity.IncFactor)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected merged config to validate, got %v", err)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, `
gpio:
  chip: /dev/gpiochip0
  line_dit: 5
`)

	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	path := writeTempConfig(t, `
encoder:
  sensitivity: low
---
encoder:
  sensitivity: default
`)

	_, err := LoadConfigFile(path)
	if err == nil {
		t.Fatal("expected trailing document to be rejected")
	}
	if !strings.Contains(err.Error(), "trailing") {
		t.Errorf("expected trailing-document error, got %v", err)
	}
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()

	chip := "/dev/gpiochip2"
	lineDT := uint(22)
	pullUp := false
	sens := "low"
	decayHz := 100

	overrides := FlagOverrides{
		GPIOChip:    &chip,
		GPIOLineDT:  &lineDT,
		GPIOPullUp:  &pullUp,
		Sensitivity: &sens,
		VelDecayHz:  &decayHz,
	}
	overrides.Apply(&cfg)

	if cfg.GPIO.Chip != chip {
		t.Errorf("expected chip %q, got %q", chip, cfg.GPIO.Chip)
	}
	if cfg.GPIO.LineDT != 22 {
		t.Errorf("expected line_dt 22, got %d", cfg.GPIO.LineDT)
	}
	if cfg.GPIO.PullUp {
		t.Error("expected pull-up override to disable the bias")
	}
	if cfg.Encoder.Sensitivity != "low" {
		t.Errorf("expected sensitivity %q, got %q", "low", cfg.Encoder.Sensitivity)
	}
	if cfg.Velocity.DecayHz != 100 {
		t.Errorf("expected decay_hz 100, got %d", cfg.Velocity.DecayHz)
	}

	// Nil pointers leave fields alone.
	if cfg.GPIO.LineCLK != defaultLineCLK {
		t.Errorf("expected line_clk %d, got %d", defaultLineCLK, cfg.GPIO.LineCLK)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty chip", func(c *Config) { c.GPIO.Chip = "" }},
		{"same lines", func(c *Config) { c.GPIO.LineCLK = c.GPIO.LineDT }},
		{"bad sensitivity", func(c *Config) { c.Encoder.Sensitivity = "ultra" }},
		{"zero inc factor", func(c *Config) { c.Velocity.IncFactor = 0 }},
		{"inc factor above one", func(c *Config) { c.Velocity.IncFactor = 1.5 }},
		{"zero dec factor", func(c *Config) { c.Velocity.DecFactor = 0 }},
		{"zero action ms", func(c *Config) { c.Velocity.ActionMS = 0 }},
		{"zero decay hz", func(c *Config) { c.Velocity.DecayHz = 0 }},
		{"excessive decay hz", func(c *Config) { c.Velocity.DecayHz = 5000 }},
		{"empty listen addr", func(c *Config) { c.State.ListenAddr = "" }},
		{"empty ws path", func(c *Config) { c.State.WSPath = "" }},
		{"empty ipc socket", func(c *Config) { c.IPC.SocketPath = "" }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestParseSensitivity(t *testing.T) {
	if s, err := parseSensitivity(""); err != nil || s != encoder.SensitivityDefault {
		t.Errorf("expected empty string to map to default, got %v, %v", s, err)
	}
	if s, err := parseSensitivity("default"); err != nil || s != encoder.SensitivityDefault {
		t.Errorf("expected default, got %v, %v", s, err)
	}
	if s, err := parseSensitivity("low"); err != nil || s != encoder.SensitivityLow {
		t.Errorf("expected low, got %v, %v", s, err)
	}
	if _, err := parseSensitivity("ultra"); err == nil {
		t.Error("expected error for unknown sensitivity")
	}
}
