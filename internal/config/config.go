// Package config loads the docsql command's configuration from JSONC files,
// .env files, the environment and command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"

	"github.com/apostrophecms/sql/pkg/docsql"
)

var (
	ErrFileNotFound = errors.New("config file not found")
	ErrFileRead     = errors.New("cannot read config file")
	ErrInvalid      = errors.New("invalid config")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".docsql.json"

// Config holds all configuration options.
type Config struct {
	// From config files and the environment (serialized)
	Database            string `json:"database"`
	MetadataDir         string `json:"metadata_dir"`
	Mode                string `json:"mode"`
	MaxIdentifierLength int    `json:"max_identifier_length,omitempty"`
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"`

	// Resolved (computed, not serialized)
	EffectiveCwd   string      `json:"-"`
	DatabaseAbs    string      `json:"-"`
	MetadataDirAbs string      `json:"-"`
	ParsedMode     docsql.Mode `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks where configuration was loaded from.
type Sources struct {
	Global  string   // global config path if loaded
	Project string   // project or explicit config path if loaded
	DotEnv  []string // .env files read, in load order
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Database:    "docsql.db",
		MetadataDir: "docsql-schema",
		LogLevel:    "warn",
		LogFormat:   "text",
	}
}

// Input holds the inputs for [Load].
type Input struct {
	WorkDirOverride string            // -C/--cwd; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config
	Overrides       Config            // non-empty fields win over everything else
	Env             map[string]string // process environment
}

// Load resolves configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global config ($XDG_CONFIG_HOME/docsql/config.json or ~/.config/docsql/config.json)
//  3. Project config (.docsql.json in the working directory, if present)
//  4. Explicit config file (Input.ConfigPath)
//  5. .env, then .env.local, then DOCSQL_* environment variables
//  6. Overrides
//
// Relative paths resolve against the working directory.
func Load(input Input) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalCfg, loadedGlobal, err := loadFile(globalPath(input.Env), false)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = loadedGlobal
	cfg = merge(cfg, globalCfg)

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		if _, statErr := os.Stat(projectPath); statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, input.ConfigPath)
		}
	}

	projectCfg, loadedPath, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = loadedPath
	cfg = merge(cfg, projectCfg)

	env, dotenv, err := environment(workDir, input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.DotEnv = dotenv

	envCfg, err := fromEnv(env)
	if err != nil {
		return Config{}, err
	}

	cfg = merge(cfg, envCfg)
	cfg = merge(cfg, input.Overrides)

	mode, err := docsql.ModeFromEnv(func(key string) string {
		if key == "DOCSQL_MODE" {
			return cfg.Mode
		}

		return env[key]
	})
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg.ParsedMode = mode
	cfg.Mode = mode.String()

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.DatabaseAbs = absolute(workDir, cfg.Database)
	cfg.MetadataDirAbs = absolute(workDir, cfg.MetadataDir)

	return cfg, nil
}

func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "docsql", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "docsql", "config.json")
	}

	return ""
}

// loadFile loads a config file. Missing optional files return a zero config
// and an empty path.
func loadFile(path string, mustExist bool) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileRead, path)
		}

		return Config{}, "", nil
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, path, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// An explicitly empty path would silently fall back to the default.
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	for _, key := range []string{"database", "metadata_dir"} {
		if v, ok := raw[key].(string); ok && v == "" {
			return Config{}, fmt.Errorf("%s must not be empty", key)
		}
	}

	return cfg, nil
}

// environment merges .env and .env.local from workDir under the process
// environment. The process environment is not modified.
func environment(workDir string, processEnv map[string]string) (map[string]string, []string, error) {
	env := make(map[string]string)

	var loaded []string

	for _, name := range []string{".env", ".env.local"} {
		path := filepath.Join(workDir, name)

		vars, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, nil, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
		}

		maps.Copy(env, vars)
		loaded = append(loaded, path)
	}

	maps.Copy(env, processEnv)

	return env, loaded, nil
}

func fromEnv(env map[string]string) (Config, error) {
	cfg := Config{
		Database:    env["DOCSQL_DATABASE"],
		MetadataDir: env["DOCSQL_METADATA_DIR"],
		Mode:        env["DOCSQL_MODE"],
		LogLevel:    env["DOCSQL_LOG_LEVEL"],
		LogFormat:   env["DOCSQL_LOG_FORMAT"],
	}

	if s := strings.TrimSpace(env["DOCSQL_MAX_IDENTIFIER_LENGTH"]); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: DOCSQL_MAX_IDENTIFIER_LENGTH: %w", ErrInvalid, err)
		}

		cfg.MaxIdentifierLength = n
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Database != "" {
		base.Database = overlay.Database
	}

	if overlay.MetadataDir != "" {
		base.MetadataDir = overlay.MetadataDir
	}

	if overlay.Mode != "" {
		base.Mode = overlay.Mode
	}

	if overlay.MaxIdentifierLength != 0 {
		base.MaxIdentifierLength = overlay.MaxIdentifierLength
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	return base
}

func validate(cfg Config) error {
	if cfg.MaxIdentifierLength < 0 {
		return fmt.Errorf("%w: max_identifier_length must not be negative", ErrInvalid)
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalid, cfg.LogFormat)
	}

	return nil
}

func absolute(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}

// Format returns the serialized fields as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
