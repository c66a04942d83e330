// Package config loads the fleet configuration from environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Machine describes one configured fleet member.
type Machine struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Demo    bool   `yaml:"demo"`
}

// Config defines the engine configuration.
type Config struct {
	Machines []Machine `yaml:"machines"`

	ExportRoot    string   `yaml:"export_root"`
	Retention     Duration `yaml:"retention"`
	CycleInterval Duration `yaml:"cycle_interval"`
	ObjectScale   float64  `yaml:"object_scale"`

	HTTPAddr   string `yaml:"http_addr"`
	JWTSecret  string `yaml:"jwt_secret"`
	ArchiveDSN string `yaml:"archive_dsn"`

	OPCUAPort       int    `yaml:"opcua_port"`
	ApplicationName string `yaml:"application_name"`

	// ConnectDelay is the pause before startup auto-connect kicks in, so
	// the HTTP surface is up before slow device dials begin.
	ConnectDelay Duration `yaml:"connect_delay"`
}

// Load reads configuration from env (FLEET_* variables) and, when
// FLEET_CONFIG names a YAML file, overlays the file on the env defaults.
func Load() (Config, error) {
	cfg := Config{
		ExportRoot:    getenvDefault("FLEET_EXPORT_ROOT", filepath.FromSlash("var/exports")),
		Retention:     Duration(getenvDuration("FLEET_RETENTION", 24*time.Hour)),
		CycleInterval: Duration(getenvDuration("FLEET_CYCLE_INTERVAL", time.Second)),
		ObjectScale:   getenvFloatDefault("FLEET_OBJECT_SCALE", 1.0),
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:     getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		ArchiveDSN:    getenvDefault("ARCHIVE_DSN", getenvDefault("DATABASE_URL", "")),
		OPCUAPort:     getenvIntDefault("OPCUA_PORT", 4840),
		ConnectDelay:  Duration(getenvDuration("FLEET_CONNECT_DELAY", 2*time.Second)),
	}
	cfg.Machines = parseMachinesEnv(getenvDefault("FLEET_MACHINES", ""))

	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ExportRoot == "" {
		return errors.New("config: export root required")
	}
	if c.Retention <= 0 {
		return errors.New("config: retention must be positive")
	}
	if c.CycleInterval <= 0 {
		return errors.New("config: cycle interval must be positive")
	}
	if c.ObjectScale <= 0 {
		return errors.New("config: object scale must be positive")
	}
	seen := make(map[string]bool, len(c.Machines))
	for _, machine := range c.Machines {
		if machine.ID == "" {
			return errors.New("config: machine id required")
		}
		if seen[machine.ID] {
			return fmt.Errorf("config: duplicate machine id %q", machine.ID)
		}
		seen[machine.ID] = true
		if machine.Address == "" && !machine.Demo {
			return fmt.Errorf("config: machine %q needs an address or demo mode", machine.ID)
		}
	}
	return nil
}

// parseMachinesEnv parses "id=address,id2=address2" with a bare "id" (no
// address) meaning demo mode.
func parseMachinesEnv(value string) []Machine {
	if value == "" {
		return nil
	}
	var machines []Machine
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, address, found := strings.Cut(part, "=")
		machines = append(machines, Machine{
			ID:      id,
			Address: address,
			Demo:    !found,
		})
	}
	return machines
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
