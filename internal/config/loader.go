package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment keys understood by Loader.
const (
	EnvConfigJSON = "TRANSCRIBE_API_CONFIG"
	EnvConfigFile = "TRANSCRIBE_API_CONFIG_FILE"
	EnvEnvFile    = "ENV_FILE"
)

// Loader loads configuration from environment variables, an optional .env
// file, an optional JSON blob and an optional YAML file. Tests can override
// Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
	// EnvFile overrides the .env location. When empty, ENV_FILE or ./.env is
	// used and a missing file is ignored.
	EnvFile string
}

// Load retrieves the service configuration and validates it. Precedence is
// process env, .env, JSON blob, YAML file, defaults.
func (l Loader) Load() (Config, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	dotenv, err := l.readDotenv(lookup)
	if err != nil {
		return Config{}, err
	}
	lookup = chainLookup(lookup, dotenv)

	cfg := Default()

	if path, ok := lookupTrimmed(lookup, EnvConfigFile); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var payload fileConfig
		if err := yaml.Unmarshal(raw, &payload); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		payload.apply(&cfg)
	}

	if raw, ok := lookupTrimmed(lookup, EnvConfigJSON); ok {
		var payload fileConfig
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", EnvConfigJSON, err)
		}
		payload.apply(&cfg)
	}

	env := envReader{lookup: lookup}
	if port, ok := lookupTrimmed(lookup, "TRANSCRIBE_API_PORT"); ok {
		host, _, splitErr := net.SplitHostPort(cfg.ListenAddr)
		if splitErr != nil {
			host = "0.0.0.0"
		}
		cfg.ListenAddr = net.JoinHostPort(host, port)
	}
	env.str("TRANSCRIBE_API_LISTEN_ADDR", &cfg.ListenAddr)
	env.optionalStr("TRANSCRIBE_API_HEALTH_ADDR", &cfg.HealthAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("ENGINE_BACKEND", &cfg.Backend)
	env.str("MODEL_SIZE", &cfg.ModelSize)
	env.str("DEVICE", &cfg.Device)
	env.str("COMPUTE_TYPE", &cfg.ComputeType)
	env.str("PYTHON_BIN", &cfg.PythonBin)
	env.str("DATA_DIR", &cfg.DataDir)
	env.seconds("MODEL_LOAD_TIMEOUT", &cfg.LoadTimeout)
	env.str("LOADING_POLICY", &cfg.LoadingPolicy)
	env.integer("WHISPER_BEAM_SIZE", &cfg.BeamSize)
	env.str("WHISPER_LANGUAGE", &cfg.Language)
	env.float("WHISPER_TEMPERATURE", &cfg.Temperature)
	env.integer("WHISPER_VAD_MIN_SILENCE_MS", &cfg.VADMinSilenceMs)
	env.str("AUDIO_FORMAT", &cfg.AudioFormat)
	env.str("TEMP_DIR", &cfg.TempDir)
	env.boolean("ENABLE_CACHE", &cfg.CacheEnabled)
	env.integer("MAX_CACHE_ITEMS", &cfg.CacheCapacity)
	env.boolean("CACHE_COALESCE_MISSES", &cfg.CoalesceMisses)
	env.integer("MAX_CONCURRENT_TRANSCRIPTIONS", &cfg.MaxConcurrent)
	env.str("MAX_UPLOAD_SIZE", &cfg.MaxUploadSize)
	env.str("API_KEY", &cfg.APIKey)
	env.str("ALLOWED_ORIGIN", &cfg.AllowedOrigin)
	env.list("CORS_ORIGINS", &cfg.CORSOrigins)
	env.boolean("S3_SOURCE_ENABLED", &cfg.S3Enabled)
	env.str("AWS_REGION", &cfg.S3Region)
	env.str("S3_ENDPOINT", &cfg.S3Endpoint)
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) readDotenv(lookup func(string) (string, bool)) (map[string]string, error) {
	path := strings.TrimSpace(l.EnvFile)
	explicit := path != ""
	if !explicit {
		if value, ok := lookupTrimmed(lookup, EnvEnvFile); ok {
			path, explicit = value, true
		} else {
			path = ".env"
		}
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read env file %s: %w", path, err)
	}
	return values, nil
}

func chainLookup(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	if len(fallback) == 0 {
		return primary
	}
	return func(key string) (string, bool) {
		if value, ok := primary(key); ok {
			return value, true
		}
		value, ok := fallback[key]
		return value, ok
	}
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// fileConfig is shared by the YAML file and the JSON blob.
type fileConfig struct {
	ListenAddr      *string  `json:"listen_addr" yaml:"listen_addr"`
	HealthAddr      *string  `json:"health_addr" yaml:"health_addr"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	Backend         string   `json:"backend" yaml:"backend"`
	ModelSize       string   `json:"model_size" yaml:"model_size"`
	Device          string   `json:"device" yaml:"device"`
	ComputeType     string   `json:"compute_type" yaml:"compute_type"`
	PythonBin       string   `json:"python_bin" yaml:"python_bin"`
	DataDir         string   `json:"data_dir" yaml:"data_dir"`
	LoadTimeout     *int     `json:"load_timeout" yaml:"load_timeout"`
	LoadingPolicy   string   `json:"loading_policy" yaml:"loading_policy"`
	BeamSize        *int     `json:"beam_size" yaml:"beam_size"`
	Language        string   `json:"language" yaml:"language"`
	Temperature     *float64 `json:"temperature" yaml:"temperature"`
	VADMinSilenceMs *int     `json:"vad_min_silence_ms" yaml:"vad_min_silence_ms"`
	AudioFormat     string   `json:"audio_format" yaml:"audio_format"`
	TempDir         string   `json:"temp_dir" yaml:"temp_dir"`
	CacheEnabled    *bool    `json:"cache_enabled" yaml:"cache_enabled"`
	CacheCapacity   *int     `json:"cache_capacity" yaml:"cache_capacity"`
	CoalesceMisses  *bool    `json:"coalesce_misses" yaml:"coalesce_misses"`
	MaxConcurrent   *int     `json:"max_concurrent" yaml:"max_concurrent"`
	MaxUploadSize   string   `json:"max_upload_size" yaml:"max_upload_size"`
	APIKey          string   `json:"api_key" yaml:"api_key"`
	AllowedOrigin   string   `json:"allowed_origin" yaml:"allowed_origin"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	S3Enabled       *bool    `json:"s3_enabled" yaml:"s3_enabled"`
	S3Region        string   `json:"s3_region" yaml:"s3_region"`
	S3Endpoint      string   `json:"s3_endpoint" yaml:"s3_endpoint"`
}

func (p fileConfig) apply(cfg *Config) {
	if p.ListenAddr != nil && *p.ListenAddr != "" {
		cfg.ListenAddr = *p.ListenAddr
	}
	if p.HealthAddr != nil {
		cfg.HealthAddr = *p.HealthAddr
	}
	setString(&cfg.LogLevel, p.LogLevel)
	setString(&cfg.Backend, p.Backend)
	setString(&cfg.ModelSize, p.ModelSize)
	setString(&cfg.Device, p.Device)
	setString(&cfg.ComputeType, p.ComputeType)
	setString(&cfg.PythonBin, p.PythonBin)
	setString(&cfg.DataDir, p.DataDir)
	if p.LoadTimeout != nil {
		cfg.LoadTimeout = time.Duration(*p.LoadTimeout) * time.Second
	}
	setString(&cfg.LoadingPolicy, p.LoadingPolicy)
	if p.BeamSize != nil {
		cfg.BeamSize = *p.BeamSize
	}
	setString(&cfg.Language, p.Language)
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.VADMinSilenceMs != nil {
		cfg.VADMinSilenceMs = *p.VADMinSilenceMs
	}
	setString(&cfg.AudioFormat, p.AudioFormat)
	setString(&cfg.TempDir, p.TempDir)
	if p.CacheEnabled != nil {
		cfg.CacheEnabled = *p.CacheEnabled
	}
	if p.CacheCapacity != nil {
		cfg.CacheCapacity = *p.CacheCapacity
	}
	if p.CoalesceMisses != nil {
		cfg.CoalesceMisses = *p.CoalesceMisses
	}
	if p.MaxConcurrent != nil {
		cfg.MaxConcurrent = *p.MaxConcurrent
	}
	setString(&cfg.MaxUploadSize, p.MaxUploadSize)
	setString(&cfg.APIKey, p.APIKey)
	setString(&cfg.AllowedOrigin, p.AllowedOrigin)
	if len(p.CORSOrigins) > 0 {
		cfg.CORSOrigins = append([]string(nil), p.CORSOrigins...)
	}
	if p.S3Enabled != nil {
		cfg.S3Enabled = *p.S3Enabled
	}
	setString(&cfg.S3Region, p.S3Region)
	setString(&cfg.S3Endpoint, p.S3Endpoint)
}

func setString(target *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*target = trimmed
	}
}

// envReader applies typed overrides and keeps the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) str(key string, target *string) {
	if value, ok := lookupTrimmed(r.lookup, key); ok {
		*target = value
	}
}

// optionalStr lets an explicitly empty value clear the target.
func (r *envReader) optionalStr(key string, target *string) {
	if value, ok := r.lookup(key); ok {
		*target = strings.TrimSpace(value)
	}
}

func (r *envReader) integer(key string, target *int) {
	value, ok := lookupTrimmed(r.lookup, key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.err = fmt.Errorf("config: parse %s: %w", key, err)
		return
	}
	*target = parsed
}

func (r *envReader) float(key string, target *float64) {
	value, ok := lookupTrimmed(r.lookup, key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.err = fmt.Errorf("config: parse %s: %w", key, err)
		return
	}
	*target = parsed
}

func (r *envReader) boolean(key string, target *bool) {
	value, ok := lookupTrimmed(r.lookup, key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		r.err = fmt.Errorf("config: parse %s: %w", key, err)
		return
	}
	*target = parsed
}

// seconds accepts a bare number of seconds or a Go duration string.
func (r *envReader) seconds(key string, target *time.Duration) {
	value, ok := lookupTrimmed(r.lookup, key)
	if !ok || r.err != nil {
		return
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*target = time.Duration(secs * float64(time.Second))
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.err = fmt.Errorf("config: parse %s: %w", key, err)
		return
	}
	*target = parsed
}

func (r *envReader) list(key string, target *[]string) {
	value, ok := lookupTrimmed(r.lookup, key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}
