package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads the system configuration file at path. Environment variables in
// the file are expanded before parsing. A missing or malformed file yields
// the default configuration and a warning; startup never fails on config.
func Load(path string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file not found, using defaults", "path", path)
		} else {
			logger.Warn("config file unreadable, using defaults", "path", path, "error", err)
		}
		cfg.sanitize()
		return cfg
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := parseBytes(expanded, path, cfg); err != nil {
		logger.Warn("config file malformed, using defaults", "path", path, "error", err)
		cfg = Default()
	}
	cfg.sanitize()
	return cfg
}

// parseBytes unmarshals data over cfg, choosing the codec by file extension.
// JSON and JSON5 files go through the json5 decoder, which accepts both.
func parseBytes(data []byte, path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	}
	return nil
}

// WriteDefault writes the default configuration to path if no file exists
// there yet, creating parent directories as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	data := buf.Bytes()
	if strings.ToLower(filepath.Ext(path)) != ".yaml" && strings.ToLower(filepath.Ext(path)) != ".yml" {
		jsonData, err := json.MarshalIndent(Default(), "", "  ")
		if err != nil {
			return fmt.Errorf("encode defaults: %w", err)
		}
		data = jsonData
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
