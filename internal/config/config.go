package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration for the work queue simulator
type Config struct {
	DeviceName   string
	Generation   string
	MaxQP        int
	UserDoorbell bool

	SQDepth  int
	RQDepth  int
	SQOnChip bool
	SigAll   bool

	LogLevel          string
	MetricsEnabled    bool
	OtelCollectorAddr string
	JournalURI        string

	WorkloadRate       int
	WorkloadBatch      int
	WorkloadCount      int
	WorkloadErrorAfter int
}

// SetupFlags sets up the command line flags for the simulator
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "wqsim.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	flagSet.String("device-name", "cxgb4_0", "Name of the simulated adapter")
	flagSet.String("generation", "t5", "Adapter generation (t4, t5)")
	flagSet.Int("max-qp", 64, "Size of the device queue pair table")
	flagSet.Bool("user-doorbell", true, "Ring doorbells from user space instead of through the kernel")

	flagSet.Int("sq-depth", 128, "Send queue depth")
	flagSet.Int("rq-depth", 128, "Receive queue depth")
	flagSet.Bool("sq-onchip", false, "Place the send queue in adapter memory")
	flagSet.Bool("sig-all", false, "Request a completion for every send")

	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address (grpc://, grpcs://, http:// or https://)")
	flagSet.String("journal-uri", "", "rqlite URI for the flush journal; empty disables it")

	flagSet.Int("workload-rate", 1000, "Batches posted per second")
	flagSet.Int("workload-batch", 8, "Work requests per batch")
	flagSet.Int("workload-count", 10000, "Total send requests to post")
	flagSet.Int("workload-error-after", 0, "Raise a QP error after this many requests; 0 never")
}

// LoadConfig loads the configuration from flags, environment variables and
// an optional config file
func LoadConfig(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set environment variable prefix
	v.SetEnvPrefix("RDMAWQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Bind flags to viper
	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Check if a config file was specified
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{
		DeviceName:         v.GetString("device-name"),
		Generation:         v.GetString("generation"),
		MaxQP:              v.GetInt("max-qp"),
		UserDoorbell:       v.GetBool("user-doorbell"),
		SQDepth:            v.GetInt("sq-depth"),
		RQDepth:            v.GetInt("rq-depth"),
		SQOnChip:           v.GetBool("sq-onchip"),
		SigAll:             v.GetBool("sig-all"),
		LogLevel:           v.GetString("log-level"),
		MetricsEnabled:     v.GetBool("metrics-enabled"),
		OtelCollectorAddr:  v.GetString("otel-collector-addr"),
		JournalURI:         v.GetString("journal-uri"),
		WorkloadRate:       v.GetInt("workload-rate"),
		WorkloadBatch:      v.GetInt("workload-batch"),
		WorkloadCount:      v.GetInt("workload-count"),
		WorkloadErrorAfter: v.GetInt("workload-error-after"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch strings.ToLower(c.Generation) {
	case "t4", "t5":
	default:
		return fmt.Errorf("invalid generation %q: must be t4 or t5", c.Generation)
	}
	if c.MaxQP <= 0 {
		return fmt.Errorf("max-qp must be positive, got %d", c.MaxQP)
	}
	if c.SQDepth <= 0 || c.SQDepth >= 0xffff {
		return fmt.Errorf("sq-depth must be in [1, 65534], got %d", c.SQDepth)
	}
	if c.RQDepth <= 0 || c.RQDepth >= 0xffff {
		return fmt.Errorf("rq-depth must be in [1, 65534], got %d", c.RQDepth)
	}
	if c.WorkloadRate <= 0 {
		return fmt.Errorf("workload-rate must be positive, got %d", c.WorkloadRate)
	}
	if c.WorkloadBatch <= 0 {
		return fmt.Errorf("workload-batch must be positive, got %d", c.WorkloadBatch)
	}
	if c.WorkloadCount < 0 || c.WorkloadErrorAfter < 0 {
		return fmt.Errorf("workload-count and workload-error-after must not be negative")
	}
	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(path string) error {
	// Default config content
	configContent := `# rdmawq simulator configuration
device-name: "cxgb4_0"
generation: "t5" # t4, t5
max-qp: 64
user-doorbell: true
sq-depth: 128
rq-depth: 128
sq-onchip: false
sig-all: false
log-level: "info" # trace, debug, info, warn, error
metrics-enabled: false
otel-collector-addr: "localhost:4317"
journal-uri: "" # e.g. http://localhost:4001
workload-rate: 1000 # batches per second
workload-batch: 8
workload-count: 10000
workload-error-after: 0 # 0 never raises an error
`

	return writeConfigFile(path, configContent)
}

// writeConfigFile creates path with content. An existing file is left alone.
func writeConfigFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("config file %s already exists", path)
		}
		return fmt.Errorf("error creating config file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("error writing config file: %w", err)
	}
	return f.Close()
}
