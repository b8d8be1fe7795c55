// Package config loads the bot roster and server settings this proxy runs
// with. Credential loading is plumbing (spec.md's words) but it is the one
// place third-party format choice shows up outside the domain packages, so
// it follows the pack's most common TOML library with a plain JSON
// fallback for operators who'd rather hand it a generated file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// BotIdentity is one credentialed account this proxy can drive through
// matchmaking. The roster is fixed at startup; PoolSize = len(roster).
type BotIdentity struct {
	UID         string `toml:"uid" json:"uid"`
	PlayKey     string `toml:"play_key" json:"playKey"`
	ConnectCode string `toml:"connect_code" json:"connectCode"`
}

// VersionConfig controls the version-metadata HTTP lookup.
type VersionConfig struct {
	APIBase            string `toml:"api_base" json:"apiBase"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" json:"insecureSkipVerify"`
}

// MatchmakingConfig controls the upstream matchmaking server this proxy
// dials on behalf of every worker.
type MatchmakingConfig struct {
	ServerHost string `toml:"server_host" json:"serverHost"`
	ServerPort uint16 `toml:"server_port" json:"serverPort"`
}

// Config is the full set of static settings loaded at startup.
type Config struct {
	ListenPort  int               `toml:"listen_port" json:"listenPort"`
	Roster      []BotIdentity     `toml:"bots" json:"bots"`
	Version     VersionConfig     `toml:"version" json:"version"`
	Matchmaking MatchmakingConfig `toml:"matchmaking" json:"matchmaking"`
}

// Default returns the tunable defaults a Config should start from before
// a file is merged in, mirroring the teacher's zero-config ":8080" default
// made overridable.
func Default() Config {
	return Config{
		ListenPort: 8080,
		Version: VersionConfig{
			InsecureSkipVerify: false,
		},
	}
}

// Load reads path and decodes it into a Config seeded with Default().
// The format is selected by file extension: ".json" decodes as JSON,
// anything else (including no extension) is decoded as TOML.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	} else {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse toml %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the system relies on: a
// non-empty roster with unique, non-empty connect codes.
func (c Config) Validate() error {
	if len(c.Roster) == 0 {
		return fmt.Errorf("config: bot roster is empty")
	}

	seen := make(map[string]struct{}, len(c.Roster))
	for i, bot := range c.Roster {
		if bot.UID == "" || bot.PlayKey == "" || bot.ConnectCode == "" {
			return fmt.Errorf("config: bot[%d] missing uid, play_key, or connect_code", i)
		}
		if _, dup := seen[bot.ConnectCode]; dup {
			return fmt.Errorf("config: duplicate connect_code %q in roster", bot.ConnectCode)
		}
		seen[bot.ConnectCode] = struct{}{}
	}

	if c.Matchmaking.ServerHost == "" {
		return fmt.Errorf("config: matchmaking.server_host is required")
	}

	return nil
}

// PoolSize returns the number of workers the dispatcher should own.
func (c Config) PoolSize() int {
	return len(c.Roster)
}
