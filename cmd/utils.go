package cmd

import (
	"fmt"

	"github.com/wolfwarden/wolfwarden/pkg/config"
)

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
