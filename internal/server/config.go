package server

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the [autobahn] table of the server's TOML config file.
type Config struct {
	Autobahn struct {
		Port *uint16 `toml:"port"`
	} `toml:"autobahn"`
}

// LoadConfig reads and parses a TOML config file. A missing or malformed
// file is reported, not swallowed; callers decide whether that's fatal.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
