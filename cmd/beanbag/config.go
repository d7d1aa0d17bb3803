package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config holds optional endpoint overrides. Credentials are never read
// from the file: the email comes from a flag or the file, the password
// only from the BEANBAG_PASSWORD environment variable.
type config struct {
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
	Email   string `yaml:"email"`
}

func loadConfig(path string) (*config, error) {
	var cfg config
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
