// Package config resolves where the service configuration lives and loads
// it. It is a thin shim over the internal config loader so that embedders
// of the SDK can reuse the same file/environment resolution as the CLI.
package config

import (
	"os"

	"github.com/markolofsen/unrealon-sdk/internal/config"
)

// EnvConfigPath names the environment variable that points at an explicit
// config file. A --config flag takes precedence over it.
const EnvConfigPath = "UNREALON_CONFIG"

// Load reads the configuration from the given path. When path is empty it
// falls back to EnvConfigPath, and past that to the loader's usual search
// locations (working directory, /etc/unrealon, $HOME/.unrealon).
func Load(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
