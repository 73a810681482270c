// Package config loads the rpcd server configuration from a config file,
// environment variables, and defaults, following the teacher's layered
// viper setup (pkg/config.Load): environment (RPCD_*) > config file >
// defaults. No command-line flags are bound to configuration keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/oncrpc-go/rpcd/internal/bytesize"
	"github.com/oncrpc-go/rpcd/internal/portmap"
)

// Protocol selects which transports a program is published on.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// LoggingConfig controls logger.Init.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

// TimeoutsConfig groups the per-connection timeouts, mirroring the
// teacher's NFSTimeoutsConfig.
type TimeoutsConfig struct {
	Read     time.Duration `mapstructure:"read" validate:"min=0"`
	Write    time.Duration `mapstructure:"write" validate:"min=0"`
	Idle     time.Duration `mapstructure:"idle" validate:"min=0"`
	Shutdown time.Duration `mapstructure:"shutdown" validate:"required,gt=0"`
}

// PortmapConfig controls self-registration with a portmapper, per spec.md
// Section 6's registration contract.
type PortmapConfig struct {
	// Publish defaults to true; a *bool distinguishes "unset" from an
	// explicit false in the config file.
	Publish *bool  `mapstructure:"publish_to_portmap"`
	Address string `mapstructure:"address"`
}

// Enabled reports whether portmap registration should run, treating an
// unset Publish (should not occur after ApplyDefaults) as enabled.
func (p PortmapConfig) Enabled() bool {
	return p.Publish == nil || *p.Publish
}

// ServerConfig is the rpcd configuration surface enumerated in spec.md
// Section 6: listening address(es), protocol selection, portmap
// registration, worker sizing, and record-framing limits.
type ServerConfig struct {
	// Port is the fixed port to listen on. PortRangeLow/High give a range
	// instead, the way a portmap-registered service with no conventional
	// well-known port typically does; rpcd serve binds PortRangeLow and does
	// not try other ports in the range. Exactly one of Port or the range
	// must be set.
	Port         int `mapstructure:"port" validate:"min=0,max=65535"`
	PortRangeLow int `mapstructure:"port_range_low" validate:"min=0,max=65535"`
	PortRangeHigh int `mapstructure:"port_range_high" validate:"min=0,max=65535"`

	Protocols Protocol `mapstructure:"protocols" validate:"required,oneof=tcp udp both"`

	// Program and Version identify the RPC program this instance dispatches
	// and self-registers under. They default to the portmapper's own
	// (100000, 2), since cmd/rpcd's reference service is the portmapper
	// itself embedded as a dispatched program.
	Program uint32 `mapstructure:"program"`
	Version uint32 `mapstructure:"version"`

	Portmap PortmapConfig `mapstructure:"portmap"`

	ServiceName string `mapstructure:"service_name" validate:"required"`

	WorkerThreadCount int `mapstructure:"worker_thread_count" validate:"required,min=1"`

	MaxRecordSize bytesize.ByteSize `mapstructure:"max_record_size"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts"`

	// GSSSessionManager selects the RPCSEC_GSS keytab used to authenticate
	// AP-REQ tokens. Empty disables RPCSEC_GSS entirely.
	GSSSessionManager GSSConfig `mapstructure:"gss_session_manager"`
}

// GSSConfig configures the RPCSEC_GSS credential flavor.
type GSSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	KeytabPath     string        `mapstructure:"keytab_path" validate:"required_if=Enabled true"`
	ServicePrincipal string      `mapstructure:"service_principal" validate:"required_if=Enabled true"`
	SeqWindowSize  uint32        `mapstructure:"seq_window_size"`
	ContextTTL     time.Duration `mapstructure:"context_ttl"`
}

// Config is the complete rpcd configuration document.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// Load reads configuration from configPath (or the default search path if
// empty), layering environment variables prefixed RPCD_ over it, applies
// defaults for anything still unset, and validates the result. An RPCD_
// variable overrides only a key that the config file sets; when no config
// file is found, environment variables are not read and only defaults
// apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("RPCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("rpcd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath("/etc/rpcd")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// ApplyDefaults fills zero-valued fields per spec.md Section 6's stated
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Protocols == "" {
		cfg.Server.Protocols = ProtocolBoth
	}
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = "ONCRPC Service"
	}
	if cfg.Server.Program == 0 {
		cfg.Server.Program = portmap.Program
	}
	if cfg.Server.Version == 0 {
		cfg.Server.Version = portmap.Version
	}
	if cfg.Server.WorkerThreadCount == 0 {
		cfg.Server.WorkerThreadCount = 4
	}
	if cfg.Server.MaxRecordSize == 0 {
		cfg.Server.MaxRecordSize = bytesize.ByteSize(1 << 20)
	}
	if cfg.Server.Timeouts.Shutdown == 0 {
		cfg.Server.Timeouts.Shutdown = 30 * time.Second
	}
	if cfg.Server.Portmap.Publish == nil {
		publish := true
		cfg.Server.Portmap.Publish = &publish
	}
	if cfg.Server.GSSSessionManager.SeqWindowSize == 0 {
		cfg.Server.GSSSessionManager.SeqWindowSize = 32
	}
	if cfg.Server.GSSSessionManager.ContextTTL == 0 {
		cfg.Server.GSSSessionManager.ContextTTL = 8 * time.Hour
	}
}

var validate = validator.New()

// Validate checks cfg against its struct tags and the cross-field rule that
// exactly one of Port or a port range must be configured.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	hasPort := cfg.Server.Port != 0
	hasRange := cfg.Server.PortRangeLow != 0 || cfg.Server.PortRangeHigh != 0
	if hasPort == hasRange {
		return fmt.Errorf("server: exactly one of port or port_range_low/port_range_high must be set")
	}
	if hasRange && cfg.Server.PortRangeLow > cfg.Server.PortRangeHigh {
		return fmt.Errorf("server: port_range_low must be <= port_range_high")
	}
	return nil
}
