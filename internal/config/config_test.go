package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 2049
	ApplyDefaults(cfg)
	return cfg
}

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_LevelUppercased(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected level to be uppercased to 'DEBUG', got %q", cfg.Logging.Level)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Protocols != ProtocolBoth {
		t.Errorf("expected default protocols 'both', got %q", cfg.Server.Protocols)
	}
	if cfg.Server.ServiceName == "" {
		t.Error("expected a non-empty default service name")
	}
	if cfg.Server.WorkerThreadCount != 4 {
		t.Errorf("expected default worker thread count 4, got %d", cfg.Server.WorkerThreadCount)
	}
	if cfg.Server.Timeouts.Shutdown != 30*time.Second {
		t.Errorf("expected default shutdown timeout 30s, got %v", cfg.Server.Timeouts.Shutdown)
	}
	if cfg.Server.Portmap.Publish == nil || !*cfg.Server.Portmap.Publish {
		t.Error("expected portmap publishing to default to enabled")
	}
}

func TestApplyDefaults_ProgramVersionDefaultToPortmapper(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Program != 100000 {
		t.Errorf("expected default program 100000, got %d", cfg.Server.Program)
	}
	if cfg.Server.Version != 2 {
		t.Errorf("expected default version 2, got %d", cfg.Server.Version)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Program = 300019
	cfg.Server.Version = 5
	cfg.Server.ServiceName = "my-service"
	ApplyDefaults(cfg)

	if cfg.Server.Program != 300019 {
		t.Errorf("expected explicit program to be preserved, got %d", cfg.Server.Program)
	}
	if cfg.Server.ServiceName != "my-service" {
		t.Errorf("expected explicit service name to be preserved, got %q", cfg.Server.ServiceName)
	}
}

func TestApplyDefaults_GSSSessionManager(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.GSSSessionManager.SeqWindowSize != 32 {
		t.Errorf("expected default seq window size 32, got %d", cfg.Server.GSSSessionManager.SeqWindowSize)
	}
	if cfg.Server.GSSSessionManager.ContextTTL != 8*time.Hour {
		t.Errorf("expected default context TTL 8h, got %v", cfg.Server.GSSSessionManager.ContextTTL)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_PortAndPortRangeBothSet(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PortRangeLow = 30000
	cfg.Server.PortRangeHigh = 30010

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when both port and port range are set")
	}
}

func TestValidate_NeitherPortNorPortRangeSet(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when neither port nor port range is set")
	}
}

func TestValidate_PortRangeLowAboveHigh(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Server.PortRangeLow = 40000
	cfg.Server.PortRangeHigh = 30000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when port_range_low > port_range_high")
	}
}

func TestValidate_PortRangeAlone(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Server.PortRangeLow = 30000
	cfg.Server.PortRangeHigh = 30010

	if err := Validate(cfg); err != nil {
		t.Errorf("expected a valid port range alone to pass validation, got: %v", err)
	}
}

func TestValidate_GSSEnabledRequiresKeytabAndPrincipal(t *testing.T) {
	cfg := validConfig()
	cfg.Server.GSSSessionManager.Enabled = true

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error when GSS is enabled without keytab/principal")
	}
}

func TestLoad_NoConfigFileAppliesDefaults(t *testing.T) {
	// With no config file present and server.port required, loading
	// without a file and without env overrides is expected to fail
	// validation rather than silently producing a listener-less server.
	if _, err := Load("/nonexistent/rpcd.yaml"); err == nil {
		t.Fatal("expected a validation error when no config file sets a port")
	}
}
