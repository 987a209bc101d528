// Package config loads the broker's YAML configuration, interpolating
// ${VAR} references against the OS environment and an optional .env
// overlay: OS env takes precedence, then .env, then the file's own
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"shellbroker/internal/util"
)

var printer = util.Default

// ConfigFileName is the default config file name looked up in the current
// working directory -- a single well-known file name rather than a
// search path.
const ConfigFileName = "shellbroker.yaml"

// Config is the broker's full runtime configuration.
type Config struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	Username       string `yaml:"username"`
	PrivateKey     string `yaml:"private_key,omitempty"`
	Password       string `yaml:"password,omitempty"`

	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `yaml:"max_timeout_seconds"`
	PromptGraceMS         int `yaml:"prompt_grace_ms"`
	ForcedTimeoutGraceMS  int `yaml:"forced_timeout_grace_ms"`

	MaxHistory      int `yaml:"max_history"`
	BufferMaxBytes  int `yaml:"buffer_max_bytes"`

	Thresholds Thresholds `yaml:"thresholds"`
	Truncation Truncation `yaml:"truncation"`

	ViewerQueueCapacity int    `yaml:"viewer_queue_capacity"`
	ListenAddr          string `yaml:"listen_addr"`

	TranscriptPath string `yaml:"transcript_path,omitempty"`
}

type Thresholds struct {
	Install     int `yaml:"install"`
	FileListing int `yaml:"file_listing"`
	LogSearch   int `yaml:"log_search"`
	Generic     int `yaml:"generic"`
}

type Truncation struct {
	HeadLines int `yaml:"head_lines"`
	TailLines int `yaml:"tail_lines"`
}

// Defaults returns the broker's out-of-the-box configuration.
func Defaults() Config {
	return Config{
		Port:                  "22",
		DefaultTimeoutSeconds: 30,
		MaxTimeoutSeconds:     600,
		PromptGraceMS:         300,
		ForcedTimeoutGraceMS:  2000,
		MaxHistory:            50,
		BufferMaxBytes:        8 * 1024 * 1024,
		Thresholds: Thresholds{
			Install: 100, FileListing: 50, LogSearch: 50, Generic: 50,
		},
		Truncation:          Truncation{HeadLines: 30, TailLines: 20},
		ViewerQueueCapacity: 256,
		ListenAddr:          ":8080",
	}
}

// ConfigExists reports whether the default config file is present in the
// current working directory.
func ConfigExists() bool {
	_, err := os.Stat(ConfigFileName)
	return !os.IsNotExist(err)
}

// Load reads, interpolates, and validates the broker config from
// ConfigFileName in the current working directory.
func Load() (*Config, error) {
	if !ConfigExists() {
		return nil, fmt.Errorf("%s not found; run 'shellbroker init' first", ConfigFileName)
	}
	data, err := os.ReadFile(ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfgDir := filepath.Dir(ConfigFileName)
	envMap, _ := loadDotEnvIfExists(cfgDir)
	rendered := interpolateEnv(string(data), envMap)

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(rendered), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and ranges.
func Validate(cfg *Config) error {
	var problems []string

	if strings.TrimSpace(cfg.Host) == "" {
		problems = append(problems, "host cannot be empty")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		problems = append(problems, "username cannot be empty")
	}
	if strings.TrimSpace(cfg.PrivateKey) == "" && strings.TrimSpace(cfg.Password) == "" {
		problems = append(problems, "one of private_key or password must be set")
	}
	if port, err := strconv.Atoi(cfg.Port); err != nil || port <= 0 || port > 65535 {
		problems = append(problems, "port must be a valid number between 1-65535")
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		problems = append(problems, "default_timeout_seconds must be positive")
	}
	if cfg.MaxTimeoutSeconds < cfg.DefaultTimeoutSeconds {
		problems = append(problems, "max_timeout_seconds must be >= default_timeout_seconds")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// loadDotEnvIfExists attempts to load a .env file from the directory of
// config and returns a map of key->value. If no .env exists or parsing
// fails, an empty map is returned.
func loadDotEnvIfExists(dir string) (map[string]string, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	m, err := godotenv.Read(envPath)
	if err != nil {
		printer.Printf("warning: failed to parse .env at %s: %v\n", envPath, err)
		return map[string]string{}, err
	}
	return m, nil
}

// interpolateEnv replaces ${VAR} occurrences in the input text. Precedence:
// OS env, then envMap. Missing variables are replaced with empty string and
// a warning is emitted.
func interpolateEnv(input string, envMap map[string]string) string {
	return os.Expand(input, func(name string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		if v, ok := envMap[name]; ok {
			return v
		}
		printer.Printf("warning: environment variable %s not set; using empty string\n", name)
		return ""
	})
}
