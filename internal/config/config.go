package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"plcrpc/internal/model"
)

// Root configuration for the bridge daemon and the CLI.
// This mirrors config/plcrpc.yaml.

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Poller  PollerConfig  `yaml:"poller"`
	Log     LogConfig     `yaml:"log"`
	Gateway GatewayConfig `yaml:"modbus_gateway"`
	Metrics MetricsConfig `yaml:"metrics"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	History HistoryConfig `yaml:"history"`
	PLCs    []PLCConfig   `yaml:"plcs"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

type ClientConfig struct {
	Address        string        `yaml:"address"`
	PLC            string        `yaml:"plc"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig drives the client's exponential backoff. MaxElapsedTime 0 keeps
// retrying until the caller gives up.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

type PollerConfig struct {
	Speed         float64       `yaml:"speed"`
	ReadFrequency float64       `yaml:"read_frequency"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

type GatewayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Retain      bool          `yaml:"retain"`
	Timeout     time.Duration `yaml:"timeout"`
}

type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DBPath    string        `yaml:"db_path"`
	QueueSize int           `yaml:"queue_size"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

type PLCConfig struct {
	ID      string         `yaml:"id"`
	SlaveID int            `yaml:"slave_id"`
	Sensors []SensorConfig `yaml:"sensors"`
}

type SensorConfig struct {
	Name         string      `yaml:"name"`
	RegisterType string      `yaml:"register_type"` // coil | discrete | holding | input
	DataAddress  int         `yaml:"data_address"`
	Value        any         `yaml:"value"`
	Model        ModelConfig `yaml:"model"`
}

// ModelConfig selects the simulated physical model behind a sensor.
type ModelConfig struct {
	Type string `yaml:"type"` // memory | ramp | trace | modbus

	// ramp
	Min  int64 `yaml:"min"`
	Max  int64 `yaml:"max"`
	Step int64 `yaml:"step"`

	// trace
	CSVFile string  `yaml:"csv_file"`
	Column  string  `yaml:"column"`
	Scale   float64 `yaml:"scale"`
	Offset  float64 `yaml:"offset"`

	// modbus
	Address string        `yaml:"address"`
	SlaveID uint8         `yaml:"slave_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads the YAML file at path, then .env files and environment
// overrides, then fills defaults and validates. An empty path skips the file.
func Load(path string, envFiles ...string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := LoadEnv(envFiles...); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("PLCRPC_LISTEN_ADDRESS"); ok {
		cfg.Server.ListenAddress = v
	}
	if v, ok := lookup("PLCRPC_CLIENT_ADDRESS"); ok {
		cfg.Client.Address = v
	}
	if v, ok := lookup("PLCRPC_CLIENT_PLC"); ok {
		cfg.Client.PLC = v
	}
	if v, ok := lookup("PLCRPC_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("PLCRPC_POLL_SPEED"); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("PLCRPC_POLL_SPEED: %w", err)
		}
		cfg.Poller.Speed = f
	}
	if v, ok := lookup("PLCRPC_READ_FREQUENCY"); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("PLCRPC_READ_FREQUENCY: %w", err)
		}
		cfg.Poller.ReadFrequency = f
	}
	if v, ok := lookup("PLCRPC_MQTT_BROKER"); ok {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v, ok := lookup("PLCRPC_DB_PATH"); ok {
		cfg.History.DBPath = v
		cfg.History.Enabled = true
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "0.0.0.0:8000"
	}
	if cfg.Client.Address == "" {
		cfg.Client.Address = "localhost:8000"
	}
	if cfg.Client.ConnectTimeout <= 0 {
		cfg.Client.ConnectTimeout = 3 * time.Second
	}
	if cfg.Client.Retry.InitialInterval <= 0 {
		cfg.Client.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Client.Retry.MaxInterval <= 0 {
		cfg.Client.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.Client.Retry.MaxElapsedTime < 0 {
		cfg.Client.Retry.MaxElapsedTime = 0
	}
	if cfg.Poller.Speed == 0 {
		cfg.Poller.Speed = 1
	}
	if cfg.Poller.ReadFrequency == 0 {
		cfg.Poller.ReadFrequency = 0.5
	}
	if cfg.Poller.ReadTimeout <= 0 {
		cfg.Poller.ReadTimeout = time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Gateway.ListenAddress == "" {
		cfg.Gateway.ListenAddress = "0.0.0.0:5020"
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = "0.0.0.0:9100"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "plcrpcd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "plcrpc"
	}
	if cfg.MQTT.Timeout <= 0 {
		cfg.MQTT.Timeout = 5 * time.Second
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = "data/plcrpc.db"
	}
	if cfg.History.QueueSize <= 0 {
		cfg.History.QueueSize = 1000
	}
	if cfg.History.DedupTTL <= 0 {
		cfg.History.DedupTTL = time.Hour
	}
	for i := range cfg.PLCs {
		for j := range cfg.PLCs[i].Sensors {
			if cfg.PLCs[i].Sensors[j].Model.Type == "" {
				cfg.PLCs[i].Sensors[j].Model.Type = "memory"
			}
		}
	}
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c Config) Validate() error {
	if c.Poller.Speed < 0 || c.Poller.ReadFrequency < 0 {
		return fmt.Errorf("poller speed and read_frequency must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled without broker")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos %d out of range", c.MQTT.QoS)
	}

	ids := make(map[string]bool, len(c.PLCs))
	for _, p := range c.PLCs {
		if p.ID == "" {
			return fmt.Errorf("plc without id")
		}
		if ids[p.ID] {
			return fmt.Errorf("plc %s defined twice", p.ID)
		}
		ids[p.ID] = true

		names := make(map[string]bool, len(p.Sensors))
		for _, s := range p.Sensors {
			if s.Name == "" {
				return fmt.Errorf("plc %s: sensor without name", p.ID)
			}
			if names[s.Name] {
				return fmt.Errorf("plc %s: sensor %s defined twice", p.ID, s.Name)
			}
			names[s.Name] = true
			if _, err := model.ParseRegisterType(s.RegisterType); err != nil {
				return fmt.Errorf("plc %s sensor %s: %w", p.ID, s.Name, err)
			}
			switch strings.ToLower(s.Model.Type) {
			case "memory", "ramp", "trace", "modbus":
			default:
				return fmt.Errorf("plc %s sensor %s: unknown model %q", p.ID, s.Name, s.Model.Type)
			}
		}
	}
	return nil
}
