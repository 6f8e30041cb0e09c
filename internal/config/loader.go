package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no
// explicit config path is given.
const EnvConfigPath = "GATEWAY_CONFIG"

// DefaultSearchPaths are tried in order when neither a flag nor
// GATEWAY_CONFIG names a config file.
var DefaultSearchPaths = []string{
	"/app/config/gateway.yaml",
	"/etc/fechatter/gateway.yaml",
	"gateway.yaml",
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

const escapedDollar = "\x00ESCAPED_DOLLAR\x00"

// LoadConfig reads, defaults and validates the configuration at path.
func LoadConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromReader is LoadConfig for an already open document.
func LoadConfigFromReader(r io.Reader) (*GatewayConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*GatewayConfig, error) {
	content := substituteEnvVars(string(data))

	var cfg GatewayConfig
	dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with values from
// the environment. A literal dollar sign is written as $$.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", escapedDollar)

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(sub[1]); ok {
			return value
		}
		return sub[2]
	})

	return strings.ReplaceAll(result, escapedDollar, "$")
}

// ResolveConfigPath picks the config file to load: the explicit path,
// then GATEWAY_CONFIG, then the first existing DefaultSearchPaths entry.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return existing(explicit)
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return existing(env)
	}
	for _, p := range DefaultSearchPaths {
		if path, err := existing(p); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found in %s", strings.Join(DefaultSearchPaths, ", "))
}

func existing(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config path is a directory: %s", path)
	}
	return abs, nil
}
