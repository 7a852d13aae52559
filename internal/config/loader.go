package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// PathEnvVar names the environment variable holding the config path.
	PathEnvVar = "MQTTLAUNCHERCONFIG"

	// DefaultPath is used when neither a flag nor PathEnvVar is given.
	DefaultPath = "launcher.yaml"

	// EnvPrefix prefixes MQTT override variables, e.g. MQTTLAUNCHER_BROKER.
	EnvPrefix = "MQTTLAUNCHER_"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNoTopics is returned when the configuration subscribes to nothing.
var ErrNoTopics = errors.New("no topic list")

// ResolvePath picks the config path: explicit flag, then $MQTTLAUNCHERCONFIG,
// then ./launcher.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, interpolates, verifies and validates the configuration file.
// The file is parsed as data only; nothing in it is evaluated.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path, set $%s, or run with --config", absPath, PathEnvVar)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultPath)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultPath, absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults after ${VAR} interpolation.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays MQTTLAUNCHER_* variables onto the MQTT section.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(&cfg.MQTT, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("apply %s overrides: %w", EnvPrefix, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.WorkDir == "" {
		return fmt.Errorf("service.work_dir is required")
	}
	if cfg.Service.ExecTimeout < 0 {
		return fmt.Errorf("service.exec_timeout must not be negative")
	}
	if cfg.Service.MaxOutputBytes < 0 {
		return fmt.Errorf("service.max_output_bytes must not be negative")
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be between 1 and 65535 (got %d)", cfg.MQTT.Port)
	}
	if cfg.MQTT.Transport != TransportTCP && cfg.MQTT.Transport != TransportWebsockets {
		return fmt.Errorf("mqtt.transport must be %q or %q (got %q)", TransportTCP, TransportWebsockets, cfg.MQTT.Transport)
	}
	if cfg.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if cfg.MQTT.Will.QoS > 2 {
		return fmt.Errorf("mqtt.will.qos must be 0, 1 or 2 (got %d)", cfg.MQTT.Will.QoS)
	}
	if cfg.MQTT.Reconnect.MinDelay <= 0 || cfg.MQTT.Reconnect.MaxDelay < cfg.MQTT.Reconnect.MinDelay {
		return fmt.Errorf("mqtt.reconnect: need 0 < min_delay <= max_delay")
	}
	for field, v := range map[string]string{
		"mqtt.username": cfg.MQTT.Username,
		"mqtt.password": cfg.MQTT.Password,
		"mqtt.broker":   cfg.MQTT.Broker,
	} {
		if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.APIKey); len(m) > 1 {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", m[1])
		}
	}

	if len(cfg.Topics) == 0 {
		return ErrNoTopics
	}
	for _, name := range TopicNames(cfg) {
		if err := validateTopic(name, cfg.Topics[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateTopic(name string, t TopicConf) error {
	if name == "" {
		return fmt.Errorf("topics: empty topic name")
	}
	if strings.ContainsAny(name, "+#") {
		return fmt.Errorf("topic %q: wildcards are not supported", name)
	}
	if len(t.Params) == 0 && t.Default == nil {
		return fmt.Errorf("topic %q: needs params or default", name)
	}
	for param, argv := range t.Params {
		if err := validateArgv(argv); err != nil {
			return fmt.Errorf("topic %q param %q: %w", name, param, err)
		}
	}
	if t.Default != nil {
		if err := validateArgv(t.Default); err != nil {
			return fmt.Errorf("topic %q default: %w", name, err)
		}
	}
	return nil
}

func validateArgv(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("command is empty")
	}
	if strings.TrimSpace(argv[0]) == "" {
		return fmt.Errorf("executable is empty")
	}
	return nil
}

// TopicNames returns the configured topics in sorted order.
func TopicNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Topics))
	for name := range cfg.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.MQTT.Password != "" {
		out.MQTT.Password = "********"
	}
	if out.API.APIKey != "" {
		out.API.APIKey = "********"
	}
	return &out
}
