package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

const (
	// DefaultListenAddr matches the port the transcription API has always used.
	DefaultListenAddr    = "0.0.0.0:5566"
	DefaultHealthAddr    = "127.0.0.1:50051"
	DefaultLogLevel      = "info"
	DefaultBackend       = BackendFasterWhisper
	DefaultModelSize     = "tiny"
	DefaultDevice        = "cpu"
	DefaultLoadTimeout   = 60 * time.Second
	DefaultLoadingPolicy = PolicyFail
	DefaultBeamSize      = 1
	DefaultLanguage      = "auto"
	DefaultTemperature   = 0.3
	DefaultVADSilenceMs  = 500
	DefaultAudioFormat   = "mp3"
	DefaultCacheCapacity = 100
	DefaultPythonBin     = "python3"
	DefaultDataDir       = "data"
	DefaultMaxUploadSize = "25MB"
	DefaultS3Region      = "us-east-1"
)

// Engine backends.
const (
	BackendFasterWhisper = "faster-whisper"
	BackendStub          = "stub"
)

// Policies for requests that arrive while the model is loading.
const (
	// PolicyFail rejects the request immediately with a retry-later signal.
	PolicyFail = "fail"
	// PolicyWait blocks the request for up to LoadTimeout.
	PolicyWait = "wait"
)

// Config captures service configuration assembled by Loader.
type Config struct {
	ListenAddr string `validate:"required"`
	// HealthAddr is the gRPC health listener; empty disables it.
	HealthAddr string
	LogLevel   string `validate:"omitempty,oneof=debug info warn warning error"`

	Backend     string `validate:"oneof=faster-whisper stub"`
	ModelSize   string `validate:"required"`
	Device      string `validate:"required"`
	ComputeType string `validate:"required"`
	PythonBin   string
	DataDir     string `validate:"required"`

	LoadTimeout   time.Duration `validate:"gt=0"`
	LoadingPolicy string        `validate:"oneof=fail wait"`

	BeamSize        int     `validate:"gte=1"`
	Language        string  `validate:"required"`
	Temperature     float64 `validate:"gte=0,lte=1"`
	VADMinSilenceMs int     `validate:"gte=0"`
	AudioFormat     string  `validate:"required,alphanum"`
	TempDir         string

	CacheEnabled   bool
	CacheCapacity  int `validate:"gte=1"`
	CoalesceMisses bool
	MaxConcurrent  int `validate:"gte=0"`

	MaxUploadSize string
	APIKey        string
	AllowedOrigin string
	CORSOrigins   []string

	S3Enabled bool
	S3Region  string
	// S3Endpoint targets an S3-compatible store such as MinIO.
	S3Endpoint string
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		HealthAddr:      DefaultHealthAddr,
		LogLevel:        DefaultLogLevel,
		Backend:         DefaultBackend,
		ModelSize:       DefaultModelSize,
		Device:          DefaultDevice,
		PythonBin:       DefaultPythonBin,
		DataDir:         DefaultDataDir,
		LoadTimeout:     DefaultLoadTimeout,
		LoadingPolicy:   DefaultLoadingPolicy,
		BeamSize:        DefaultBeamSize,
		Language:        DefaultLanguage,
		Temperature:     DefaultTemperature,
		VADMinSilenceMs: DefaultVADSilenceMs,
		AudioFormat:     DefaultAudioFormat,
		CacheEnabled:    true,
		CacheCapacity:   DefaultCacheCapacity,
		MaxUploadSize:   DefaultMaxUploadSize,
		CORSOrigins:     []string{"*"},
		S3Region:        DefaultS3Region,
	}
}

var validate = validator.New()

// Validate applies derived defaults, then checks field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ComputeType) == "" {
		c.ComputeType = DefaultComputeType(c.Device)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.LoadingPolicy == "" {
		c.LoadingPolicy = DefaultLoadingPolicy
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.AudioFormat = strings.TrimPrefix(c.AudioFormat, ".")
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.S3Region == "" {
		c.S3Region = DefaultS3Region
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	return nil
}

// MaxUploadBytes parses MaxUploadSize ("25MB", "512KiB"). Empty or "0"
// disables the limit.
func (c Config) MaxUploadBytes() (int64, error) {
	value := strings.TrimSpace(c.MaxUploadSize)
	if value == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("config: parse max upload size %q: %w", value, err)
	}
	return int64(n), nil
}

// DefaultComputeType picks int8 on CPU and float16 on accelerators.
func DefaultComputeType(device string) string {
	if strings.EqualFold(strings.TrimSpace(device), "cpu") || strings.TrimSpace(device) == "" {
		return "int8"
	}
	return "float16"
}
