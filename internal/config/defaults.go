package config

// Default values for configuration options. Durations stay strings so the
// rendered config matches what a user would write.
const (
	defaultIDColumn          = "id"
	defaultVersionField      = "updated_at"
	defaultRequestsPerSecond = 10
	defaultMaxHTTPRetries    = 3

	defaultPollInterval      = "5m"
	defaultMaxRetries        = 5
	defaultRetryBaseDelay    = "30s"
	defaultRetryMaxDelay     = "15m"
	defaultQueueKey          = "sync_queue"
	defaultConnectivity      = ConnectivityWebSocket
	defaultHeartbeatInterval = "30s"
	defaultShutdownTimeout   = "30s"

	defaultStateFile = "state.db"

	defaultListen = "127.0.0.1:8787"

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"

	defaultConnectTimeout = "10s"
	defaultDataTimeout    = "60s"
)

// Connectivity modes.
const (
	ConnectivityWebSocket = "websocket"
	ConnectivityProbe     = "probe"
	ConnectivityAlways    = "always"
)

// Names of files kept inside the data directory.
const (
	inboxDirName  = "inbox"
	pidFileName   = "farmsync.pid"
	tokenFileName = "session.json"
)

// DefaultConfig returns a Config populated with every default. It is the
// base the TOML file is decoded onto, so absent keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			IDColumn:          defaultIDColumn,
			VersionField:      defaultVersionField,
			RequestsPerSecond: defaultRequestsPerSecond,
			MaxHTTPRetries:    defaultMaxHTTPRetries,
		},
		Sync: SyncConfig{
			PollInterval:      defaultPollInterval,
			MaxRetries:        defaultMaxRetries,
			RetryBaseDelay:    defaultRetryBaseDelay,
			RetryMaxDelay:     defaultRetryMaxDelay,
			QueueKey:          defaultQueueKey,
			Connectivity:      defaultConnectivity,
			HeartbeatInterval: defaultHeartbeatInterval,
			ShutdownTimeout:   defaultShutdownTimeout,
		},
		Storage: StorageConfig{
			DataDir:   DefaultDataDir(),
			StateFile: defaultStateFile,
		},
		API: APIConfig{
			Listen: defaultListen,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
