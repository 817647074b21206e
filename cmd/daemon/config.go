package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	netservice "github.com/devgianlu/go-netservice"
)

const defaultServiceNamePrefix = "go-netservice-"

type Config struct {
	ConfigDir string `koanf:"config_dir"`

	LogLevel            string `koanf:"log_level"`
	LogDisableTimestamp bool   `koanf:"log_disable_timestamp"`

	// Backend is the native DNS-SD implementation: builtin, avahi or dummy
	Backend    string   `koanf:"backend"`
	Interfaces []string `koanf:"interfaces"`

	Service struct {
		Type      string            `koanf:"type"`
		Name      string            `koanf:"name"`
		Domain    string            `koanf:"domain"`
		Port      int               `koanf:"port"`
		Priority  int               `koanf:"priority"`
		Weight    int               `koanf:"weight"`
		Addresses []string          `koanf:"addresses"`
		Txt       map[string]string `koanf:"txt"`
	} `koanf:"service"`

	RegisterTimeoutMs int  `koanf:"register_timeout_ms"`
	AutoRegister      bool `koanf:"auto_register"`
	RetryMaxElapsedMs int  `koanf:"retry_max_elapsed_ms"`
	ShutdownTimeoutMs int  `koanf:"shutdown_timeout_ms"`

	Server struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`
	} `koanf:"server"`
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "go-netservice")
	}

	return "."
}

func loadConfig(cfg *Config, args []string) error {
	f := flag.NewFlagSet("go-netservice", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nUsage:\n", netservice.VersionString())
		f.PrintDefaults()
	}

	configDir := f.String("config_dir", defaultConfigDir(), "the configuration directory")
	f.String("log_level", "info", "the log level")
	f.String("backend", "builtin", "the DNS-SD backend: builtin, avahi or dummy")
	f.String("service.type", "_http._tcp", "the service type")
	f.String("service.name", "", "the service instance name")
	f.Int("service.port", 8080, "the advertised port")
	f.Bool("auto_register", false, "register the service at startup")
	f.Int("server.port", 3678, "the API server port")
	if err := f.Parse(args); err != nil {
		return err
	}

	k := koanf.New(".")

	// load default configuration
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"log_level":            "info",
		"backend":              "builtin",
		"service.type":         "_http._tcp",
		"service.domain":       netservice.DefaultDomain,
		"service.port":         8080,
		"register_timeout_ms":  10000,
		"retry_max_elapsed_ms": 60000,
		"shutdown_timeout_ms":  5000,
		"server.address":       "localhost",
		"server.port":          3678,
	}, "."), nil)

	// load file configuration (if available)
	configPath := filepath.Join(*configDir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return fmt.Errorf("failed reading configuration file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed accessing configuration file: %w", err)
	}

	// load command line configuration
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return fmt.Errorf("failed loading command line configuration: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaultServiceNamePrefix + uuid.NewString()
	}

	return nil
}

// Descriptor builds the service descriptor, it is validated when the service is created.
func (c *Config) Descriptor() netservice.ServiceDescriptor {
	return netservice.ServiceDescriptor{
		Type:      c.Service.Type,
		Name:      c.Service.Name,
		Domain:    c.Service.Domain,
		Port:      c.Service.Port,
		Priority:  c.Service.Priority,
		Weight:    c.Service.Weight,
		Addresses: c.Service.Addresses,
		Txt:       c.Service.Txt,
	}
}

func (c *Config) NetInterfaces() ([]net.Interface, error) {
	var ifaces []net.Interface
	for _, name := range c.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed getting interface %s: %w", name, err)
		}

		ifaces = append(ifaces, *iface)
	}

	return ifaces, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) RegisterTimeout() time.Duration {
	return msDuration(c.RegisterTimeoutMs)
}

func (c *Config) RetryMaxElapsed() time.Duration {
	return msDuration(c.RetryMaxElapsedMs)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return msDuration(c.ShutdownTimeoutMs)
}
