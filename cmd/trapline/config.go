package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the configuration loaded from the JSON file
type Config struct {
	LogLevel    string         `json:"log_level"`    // logrus level name
	JournalPath string         `json:"journal_path"` // pebble directory for unresolved faults
	SpaceSize   uint64         `json:"space_size"`   // guest address space size in bytes
	MMIO        []WindowConfig `json:"mmio"`         // register banks mapped by the demo
}

// WindowConfig describes one register bank.
type WindowConfig struct {
	Name      string `json:"name"`
	Start     uint32 `json:"start"`
	Registers int    `json:"registers"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		SpaceSize: 1 << 20,
		MMIO: []WindowConfig{
			{Name: "uart", Start: 0x000F_0000, Registers: 4},
		},
	}
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	configData, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(configData, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.SpaceSize < 16*4096 || config.SpaceSize%4096 != 0 || config.SpaceSize > 1<<32 {
		return config, fmt.Errorf("space_size 0x%x must be a page multiple between 64KiB and 4GiB", config.SpaceSize)
	}
	for _, w := range config.MMIO {
		if w.Registers <= 0 {
			return config, fmt.Errorf("mmio window %s has no registers", w.Name)
		}
		if uint64(w.Start)+uint64(w.Registers)*4 > config.SpaceSize {
			return config, fmt.Errorf("mmio window %s lies outside the address space", w.Name)
		}
	}
	return config, nil
}
