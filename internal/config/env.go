package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "FARMSYNC_CONFIG"
	EnvRemoteURL = "FARMSYNC_REMOTE_URL"
	EnvAPIKey    = "FARMSYNC_API_KEY"
	EnvDataDir   = "FARMSYNC_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // FARMSYNC_CONFIG
	RemoteURL  string // FARMSYNC_REMOTE_URL
	APIKey     string // FARMSYNC_API_KEY
	DataDir    string // FARMSYNC_DATA_DIR
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		APIKey:     os.Getenv(EnvAPIKey),
		DataDir:    os.Getenv(EnvDataDir),
	}
}

// CLIOverrides holds values from command-line flags. Empty strings mean the
// flag was not given.
type CLIOverrides struct {
	ConfigPath   string
	DataDir      string
	Listen       string // --listen on sync; implies api.enabled
	Connectivity string
}
