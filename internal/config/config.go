package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	// SystemPromptPath optionally replaces the built-in system prompt template.
	SystemPromptPath string `json:"system_prompt_path,omitempty" yaml:"system_prompt_path,omitempty"`
	Storage          struct {
		Driver string `json:"driver" yaml:"driver"`
		DSN    string `json:"dsn" yaml:"dsn"`
	} `json:"storage" yaml:"storage"`
	LLM struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		Model            string  `json:"model" yaml:"model"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	Anthropic struct {
		APIKey string `json:"api_key" yaml:"api_key"`
		Model  string `json:"model" yaml:"model"`
	} `json:"anthropic" yaml:"anthropic"`
	HTTP struct {
		Listen    string `json:"listen" yaml:"listen"`
		BaseURL   string `json:"base_url" yaml:"base_url"`
		UploadDir string `json:"upload_dir" yaml:"upload_dir"`
	} `json:"http" yaml:"http"`
	Mapbox struct {
		AccessToken string `json:"access_token" yaml:"access_token"`
	} `json:"mapbox" yaml:"mapbox"`
	Roboflow struct {
		APIKey      string `json:"api_key" yaml:"api_key"`
		WorkflowURL string `json:"workflow_url" yaml:"workflow_url"`
	} `json:"roboflow" yaml:"roboflow"`
	Brave struct {
		APIKey string `json:"api_key" yaml:"api_key"`
	} `json:"brave" yaml:"brave"`
	Telegram struct {
		Token string `json:"token" yaml:"token"`
	} `json:"telegram" yaml:"telegram"`
	Agents struct {
		MemoryManagerRounds int `json:"memory_manager_rounds" yaml:"memory_manager_rounds"`
		LocationAgentRounds int `json:"location_agent_rounds" yaml:"location_agent_rounds"`
		SignReaderRounds    int `json:"sign_reader_rounds" yaml:"sign_reader_rounds"`
	} `json:"agents" yaml:"agents"`
	Sweep struct {
		Schedule string `json:"schedule" yaml:"schedule"`
	} `json:"sweep" yaml:"sweep"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".towdyouso"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.Storage.Driver = "jsonl"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Anthropic.Model = "claude-sonnet-4-20250514"
	cfg.HTTP.Listen = ":8000"
	cfg.HTTP.BaseURL = "http://localhost:8000"
	cfg.Agents.MemoryManagerRounds = 3
	cfg.Agents.LocationAgentRounds = 5
	cfg.Agents.SignReaderRounds = 10
	cfg.Sweep.Schedule = "@every 5m"
	return cfg
}

// UploadDir returns the upload directory, defaulting to data_dir/uploads.
func (c *Config) UploadDir() string {
	if c.HTTP.UploadDir != "" {
		return c.HTTP.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"OPENAI_API_KEY", &cfg.LLM.APIKey},
		{"OPENAI_BASE_URL", &cfg.LLM.BaseURL},
		{"OPENAI_MODEL", &cfg.LLM.Model},
		{"ANTHROPIC_API_KEY", &cfg.Anthropic.APIKey},
		{"MAPBOX_ACCESS_TOKEN", &cfg.Mapbox.AccessToken},
		{"ROBOFLOW_API_KEY", &cfg.Roboflow.APIKey},
		{"BRAVE_API_KEY", &cfg.Brave.APIKey},
		{"TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token},
		{"TOWDYOUSO_BASE_URL", &cfg.HTTP.BaseURL},
		{"TOWDYOUSO_UPLOAD_DIR", &cfg.HTTP.UploadDir},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a nested map keyed by its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the flattened configuration, optionally with secrets masked.
func ListValues(cfg *Config, masked bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if masked {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw reads the config file as a generic map so that keys unknown to
// Config survive a get/set round trip.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := unmarshal(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. A missing
// config file is created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. Values that parse as
// JSON (numbers, booleans) are stored typed; anything else as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}

	flat := Flatten(m)
	flat[key] = typed

	data, err := marshal(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
