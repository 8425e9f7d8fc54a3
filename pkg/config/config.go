package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings such as "20s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Peer is another member of a replicated store cluster
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// StoreConfig configures the coordination store
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	// Standalone runs a local BoltStore without Raft
	Standalone bool   `yaml:"standalone"`
	NodeID     string `yaml:"node_id"`
	BindAddr   string `yaml:"bind_addr"`
	Peers      []Peer `yaml:"peers"`
}

// KubernetesConfig locates the cluster and the controller config map
type KubernetesConfig struct {
	// Kubeconfig is empty when running in-cluster
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	ConfigMap  string `yaml:"config_map"`
}

// SupervisorConfig tunes job scheduling
type SupervisorConfig struct {
	PoolSize        int64    `yaml:"pool_size"`
	MaxInitialDelay Duration `yaml:"max_initial_delay"`
	ReaperInterval  Duration `yaml:"reaper_interval"`
}

// HealthConfig sets the listen addresses of the health endpoints
type HealthConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Config is the runfleet process configuration
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Store      StoreConfig       `yaml:"store"`
	Kubernetes KubernetesConfig  `yaml:"kubernetes"`
	Supervisor SupervisorConfig  `yaml:"supervisor"`
	Health     HealthConfig      `yaml:"health"`
	Properties map[string]string `yaml:"properties"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			DataDir:    "/var/lib/runfleet",
			Standalone: true,
			NodeID:     "runfleet-1",
			BindAddr:   "127.0.0.1:7946",
		},
		Kubernetes: KubernetesConfig{
			Namespace: "default",
			ConfigMap: "config",
		},
		Supervisor: SupervisorConfig{
			PoolSize:        3,
			MaxInitialDelay: Duration(20 * time.Second),
			ReaperInterval:  Duration(20 * time.Second),
		},
		Health: HealthConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":9091",
		},
		Properties: map[string]string{},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return errors.New("store.data_dir is required")
	}
	if !c.Store.Standalone {
		if c.Store.NodeID == "" {
			return errors.New("store.node_id is required when not standalone")
		}
		if c.Store.BindAddr == "" {
			return errors.New("store.bind_addr is required when not standalone")
		}
	}
	for i, p := range c.Store.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("store.peers[%d] needs both id and address", i)
		}
	}
	if c.Kubernetes.Namespace == "" {
		return errors.New("kubernetes.namespace is required")
	}
	if c.Kubernetes.ConfigMap == "" {
		return errors.New("kubernetes.config_map is required")
	}
	if c.Supervisor.PoolSize < 0 {
		return errors.New("supervisor.pool_size must not be negative")
	}
	return nil
}
