package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func TestLoaderDefaults(t *testing.T) {
	loader := config.Loader{Lookup: mapLookup(nil)}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	assertEqual(t, config.DefaultListenAddr, cfg.ListenAddr, "listen addr")
	assertEqual(t, config.DefaultModelSize, cfg.ModelSize, "model size")
	assertEqual(t, "cpu", cfg.Device, "device")
	assertEqual(t, "int8", cfg.ComputeType, "compute type")
	assertEqual(t, config.DefaultLanguage, cfg.Language, "language")
	assertEqual(t, config.PolicyFail, cfg.LoadingPolicy, "loading policy")
	assertEqual(t, "mp3", cfg.AudioFormat, "audio format")
	assertBool(t, true, cfg.CacheEnabled, "cache enabled")
	assertBool(t, false, cfg.CoalesceMisses, "coalesce misses")
	assertInt(t, 100, cfg.CacheCapacity, "cache capacity")
	assertInt(t, 1, cfg.BeamSize, "beam size")
	assertInt(t, 500, cfg.VADMinSilenceMs, "vad min silence")
	if cfg.LoadTimeout != 60*time.Second {
		t.Fatalf("expected load timeout 60s, got %s", cfg.LoadTimeout)
	}
	if cfg.Temperature != 0.3 {
		t.Fatalf("expected temperature 0.3, got %v", cfg.Temperature)
	}
}

func TestLoaderOverrides(t *testing.T) {
	env := map[string]string{
		"TRANSCRIBE_API_CONFIG":         `{"model_size":"small","language":"pl","log_level":"debug","beam_size":3,"cache_enabled":false}`,
		"TRANSCRIBE_API_PORT":           "6000",
		"LOG_LEVEL":                     "WARN",
		"MODEL_SIZE":                    "medium",
		"DEVICE":                        "cuda",
		"WHISPER_LANGUAGE":              "en",
		"WHISPER_TEMPERATURE":           "0",
		"WHISPER_VAD_MIN_SILENCE_MS":    "250",
		"MODEL_LOAD_TIMEOUT":            "90",
		"LOADING_POLICY":                "wait",
		"MAX_CACHE_ITEMS":               "5",
		"AUDIO_FORMAT":                  ".wav",
		"CORS_ORIGINS":                  "https://a.example, https://b.example",
		"MAX_CONCURRENT_TRANSCRIPTIONS": "2",
		"ENGINE_BACKEND":                "stub",
	}

	cfg, err := config.Loader{Lookup: mapLookup(env)}.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	assertEqual(t, "0.0.0.0:6000", cfg.ListenAddr, "listen addr")
	assertEqual(t, "medium", cfg.ModelSize, "model size")
	assertEqual(t, "float16", cfg.ComputeType, "compute type")
	assertEqual(t, "en", cfg.Language, "language")
	assertEqual(t, "warn", cfg.LogLevel, "log level")
	assertEqual(t, "wait", cfg.LoadingPolicy, "loading policy")
	assertEqual(t, "wav", cfg.AudioFormat, "audio format")
	assertEqual(t, config.BackendStub, cfg.Backend, "backend")
	assertInt(t, 3, cfg.BeamSize, "beam size")
	assertInt(t, 250, cfg.VADMinSilenceMs, "vad min silence")
	assertInt(t, 5, cfg.CacheCapacity, "cache capacity")
	assertInt(t, 2, cfg.MaxConcurrent, "max concurrent")
	assertBool(t, false, cfg.CacheEnabled, "cache enabled")
	if cfg.LoadTimeout != 90*time.Second {
		t.Fatalf("expected load timeout 90s, got %s", cfg.LoadTimeout)
	}
	if cfg.Temperature != 0 {
		t.Fatalf("expected temperature 0, got %v", cfg.Temperature)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoaderYAMLFileAndDotenv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	yamlBody := "model_size: base\nlanguage: de\nload_timeout: 30\ncache_capacity: 7\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("MODEL_SIZE=large-v3\nMAX_CACHE_ITEMS=9\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := map[string]string{
		"TRANSCRIBE_API_CONFIG_FILE": yamlPath,
		"MAX_CACHE_ITEMS":            "11",
	}
	cfg, err := config.Loader{Lookup: mapLookup(env), EnvFile: envPath}.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// .env beats the YAML file, the process env beats .env.
	assertEqual(t, "large-v3", cfg.ModelSize, "model size")
	assertEqual(t, "de", cfg.Language, "language")
	assertInt(t, 11, cfg.CacheCapacity, "cache capacity")
	if cfg.LoadTimeout != 30*time.Second {
		t.Fatalf("expected load timeout 30s, got %s", cfg.LoadTimeout)
	}
}

func TestLoaderMissingExplicitEnvFile(t *testing.T) {
	loader := config.Loader{
		Lookup:  mapLookup(nil),
		EnvFile: filepath.Join(t.TempDir(), "missing.env"),
	}
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestLoaderRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":     {"WHISPER_BEAM_SIZE": "many"},
		"bad bool":    {"ENABLE_CACHE": "maybe"},
		"bad policy":  {"LOADING_POLICY": "queue"},
		"bad timeout": {"MODEL_LOAD_TIMEOUT": "soon"},
		"zero cache":  {"MAX_CACHE_ITEMS": "0"},
		"bad backend": {"ENGINE_BACKEND": "whispercpp"},
		"bad json":    {"TRANSCRIBE_API_CONFIG": "{"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Loader{Lookup: mapLookup(env)}.Load()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "config:") {
				t.Fatalf("expected config-prefixed error, got %v", err)
			}
		})
	}
}

func TestLoaderTimeoutAcceptsDuration(t *testing.T) {
	cfg, err := config.Loader{Lookup: mapLookup(map[string]string{"MODEL_LOAD_TIMEOUT": "1m30s"})}.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.LoadTimeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.LoadTimeout)
	}
}

func assertEqual(t *testing.T, want, got, label string) {
	t.Helper()
	if want != got {
		t.Fatalf("unexpected %s: want %q, got %q", label, want, got)
	}
}

func assertBool(t *testing.T, want, got bool, label string) {
	t.Helper()
	if want != got {
		t.Fatalf("unexpected %s: want %v, got %v", label, want, got)
	}
}

func assertInt(t *testing.T, want, got int, label string) {
	t.Helper()
	if want != got {
		t.Fatalf("unexpected %s: want %d, got %d", label, want, got)
	}
}

func TestMaxUploadBytes(t *testing.T) {
	cases := map[string]int64{
		"":       0,
		"25MB":   25_000_000,
		"512KiB": 512 * 1024,
		"1024":   1024,
	}
	for value, want := range cases {
		cfg := config.Config{MaxUploadSize: value}
		got, err := cfg.MaxUploadBytes()
		if err != nil {
			t.Fatalf("MaxUploadBytes(%q) error: %v", value, err)
		}
		if got != want {
			t.Fatalf("MaxUploadBytes(%q) = %d, want %d", value, got, want)
		}
	}
	if _, err := (config.Config{MaxUploadSize: "lots"}).MaxUploadBytes(); err == nil {
		t.Fatalf("expected parse error")
	}
}
