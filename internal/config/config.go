package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Backend       struct {
		BaseURL   string `json:"base_url"`
		WSURL     string `json:"ws_url"`
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
		Workspace string `json:"workspace"`
	} `json:"backend"`
	Session struct {
		Scene                string `json:"scene"`
		Player               string `json:"player"`
		AutoReconnect        bool   `json:"auto_reconnect"`
		History              bool   `json:"history"`
		Interruptions        bool   `json:"interruptions"`
		DisconnectTimeoutSec int    `json:"disconnect_timeout_sec"`
	} `json:"session"`
	Audio struct {
		Output     string `json:"output"`
		SampleRate int    `json:"sample_rate"`
		Realtime   bool   `json:"realtime"`
	} `json:"audio"`
	Persist struct {
		Key             string `json:"key"`
		IntervalSec     int    `json:"interval_sec"`
		RetryIntervalMS int    `json:"retry_interval_ms"`
		MaxAttempts     int    `json:"max_attempts"`
	} `json:"persist"`
	Continuation struct {
		Encoding  string `json:"encoding"`
		MaxTokens int    `json:"max_tokens"`
	} `json:"continuation"`
	HTTP struct {
		Addr string `json:"addr"`
	} `json:"http"`
	Metrics struct {
		Namespace string `json:"namespace"`
	} `json:"metrics"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
}

// DisconnectTimeout returns the idle timeout, zero when disabled.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.Session.DisconnectTimeoutSec) * time.Second
}

func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.Persist.IntervalSec) * time.Second
}

func (c *Config) PersistRetryInterval() time.Duration {
	return time.Duration(c.Persist.RetryIntervalMS) * time.Millisecond
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".agentlink"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Backend.BaseURL = "https://api.inworld.ai"
	cfg.Session.Player = "Player"
	cfg.Session.AutoReconnect = true
	cfg.Session.History = true
	cfg.Session.Interruptions = true
	cfg.Audio.SampleRate = 16000
	cfg.Persist.Key = "agentlink.session_state"
	cfg.Persist.IntervalSec = 60
	cfg.Persist.RetryIntervalMS = 500
	cfg.Persist.MaxAttempts = 10
	cfg.Continuation.Encoding = "cl100k_base"
	cfg.Continuation.MaxTokens = 1000
	cfg.HTTP.Addr = "127.0.0.1:8787"
	cfg.Metrics.Namespace = "agentlink"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	dotenv, err := readEnvFile(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	// Override from env (highest precedence), then the .env next to the config
	if v := lookup("AGENTLINK_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := lookup("AGENTLINK_API_SECRET"); v != "" {
		cfg.Backend.APISecret = v
	}
	if v := lookup("AGENTLINK_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := lookup("AGENTLINK_WS_URL"); v != "" {
		cfg.Backend.WSURL = v
	}
	if v := lookup("AGENTLINK_WORKSPACE"); v != "" {
		cfg.Backend.Workspace = v
	}
	if v := lookup("AGENTLINK_SCENE"); v != "" {
		cfg.Session.Scene = v
	}
	if v := lookup("AGENTLINK_PLAYER"); v != "" {
		cfg.Session.Player = v
	}
	if v := lookup("AGENTLINK_DISCONNECT_TIMEOUT_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse AGENTLINK_DISCONNECT_TIMEOUT_SEC: %w", err)
		}
		cfg.Session.DisconnectTimeoutSec = n
	}
	if v := lookup("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}

	return cfg, nil
}

// readEnvFile parses a dotenv file without touching the process
// environment. A missing file yields an empty map.
func readEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return env, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

func writeDefaults(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeRaw(path, data)
}

func writeRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as dot-separated keys, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the config file at path.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the existing config file at
// path. Values that parse as JSON (numbers, booleans) are stored typed.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil || isContainer(typed) {
		typed = value
	}
	flat[key] = typed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeRaw(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any, nil:
		return true
	}
	return false
}
