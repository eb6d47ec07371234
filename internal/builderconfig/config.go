// Package builderconfig loads a builder's per-host TOML configuration
// (SPEC_FULL.md §6) and expands it into the internal shape carrying
// generated board/board-config ids, following the two-stage
// user-config/internal-config pattern of the original EJ implementation
// (original_source/crates/libs/ej-config).
package builderconfig

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// UserBoardConfig is the TOML shape of one board-config entry.
type UserBoardConfig struct {
	Name        string   `toml:"name"`
	Tags        []string `toml:"tags"`
	BuildScript string   `toml:"build_script"`
	RunScript   string   `toml:"run_script"`
	ResultsPath string   `toml:"results_path"`
	LibraryPath string   `toml:"library_path"`
}

// UserBoard is the TOML shape of one board entry.
type UserBoard struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Configs     []UserBoardConfig `toml:"configs"`
}

// UserGlobal holds the `[global]` TOML table.
type UserGlobal struct {
	Version string `toml:"version"`
}

// UserConfig is the raw TOML document a builder loads from disk.
type UserConfig struct {
	Global UserGlobal  `toml:"global"`
	Boards []UserBoard `toml:"boards"`
}

// BoardConfig is one runnable unit, with a generated id stable for the
// lifetime of the in-process Config (invariant 6 only requires stability
// within the Dispatcher's stored copy; the builder regenerates ids on
// every load and relies on ConfigAnnounce + UpsertConfig's name-based
// matching to keep the Dispatcher's ids stable across reloads of an
// unchanged config).
type BoardConfig struct {
	ID          string
	Name        string
	Tags        []string
	BuildScript string
	RunScript   string
	ResultsPath string
	LibraryPath string
}

// Board is one physical board and its configs, with a generated id.
type Board struct {
	ID          string
	Name        string
	Description string
	Configs     []BoardConfig
}

// Config is the expanded, ready-to-use builder configuration.
type Config struct {
	Version string
	Boards  []Board
}

// LoadFile reads and parses a TOML file at path into an expanded Config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("builderconfig: read %s: %w", path, err)
	}
	return ParseTOML(data)
}

// ParseTOML parses TOML bytes into a UserConfig and expands it.
func ParseTOML(data []byte) (*Config, error) {
	var uc UserConfig
	if err := toml.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("builderconfig: parse: %w", err)
	}
	cfg, err := FromUserConfig(&uc)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromUserConfig expands a raw UserConfig into a Config with generated ids.
func FromUserConfig(uc *UserConfig) (*Config, error) {
	cfg := &Config{Version: uc.Global.Version}
	for _, ub := range uc.Boards {
		board := Board{ID: genID(), Name: ub.Name, Description: ub.Description}
		for _, ubc := range ub.Configs {
			board.Configs = append(board.Configs, BoardConfig{
				ID:          genID(),
				Name:        ubc.Name,
				Tags:        ubc.Tags,
				BuildScript: ubc.BuildScript,
				RunScript:   ubc.RunScript,
				ResultsPath: ubc.ResultsPath,
				LibraryPath: ubc.LibraryPath,
			})
		}
		cfg.Boards = append(cfg.Boards, board)
	}
	return cfg, nil
}

// Validate checks structural requirements the builder can't run without.
func (c *Config) Validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("builderconfig: at least one board is required")
	}
	for i, b := range c.Boards {
		if b.Name == "" {
			return fmt.Errorf("builderconfig: boards[%d].name is required", i)
		}
		if len(b.Configs) == 0 {
			return fmt.Errorf("builderconfig: boards[%d] (%s): at least one config is required", i, b.Name)
		}
		for j, bc := range b.Configs {
			if bc.Name == "" {
				return fmt.Errorf("builderconfig: boards[%d].configs[%d]: name is required", i, j)
			}
			if bc.BuildScript == "" {
				return fmt.Errorf("builderconfig: boards[%d].configs[%d] (%s): build_script is required", i, j, bc.Name)
			}
			if bc.RunScript == "" {
				return fmt.Errorf("builderconfig: boards[%d].configs[%d] (%s): run_script is required", i, j, bc.Name)
			}
		}
	}
	return nil
}

func genID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
