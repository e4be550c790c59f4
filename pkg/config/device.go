package config

import "time"

// DeviceConfig configures the on-device capture and sync agent.
type DeviceConfig struct {
	Env       string
	DeviceID  string
	ServerURL string
	Token     string
	Log       LogConfig

	Store      DeviceStoreConfig
	Sync       DeviceSyncConfig
	Growth     GrowthConfig
	SaltWindow time.Duration
}

// DeviceStoreConfig sizes the local badger queue.
type DeviceStoreConfig struct {
	Path           string
	InMemory       bool
	MaxEvents      int
	MaxMemoryMB    int64
	EnqueueTimeout time.Duration
}

// DeviceSyncConfig tunes the sync coordinator.
type DeviceSyncConfig struct {
	RequestTimeout  time.Duration
	IdleInterval    time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	NetworkOverride string
	BatteryOverride int
}

// GrowthConfig is the policy input deciding when an event marks growth.
type GrowthConfig struct {
	MinScore   int
	Categories []string
}

// LoadDevice reads device agent settings from env and an optional .env file.
func LoadDevice() (*DeviceConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("DEVICE_ID", "")
	v.SetDefault("DEVICE_SERVER_URL", "http://localhost:8080/api/v1")
	v.SetDefault("DEVICE_TOKEN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("DEVICE_STORE_PATH", "./data/device")
	v.SetDefault("DEVICE_STORE_IN_MEMORY", false)
	v.SetDefault("DEVICE_STORE_MAX_EVENTS", 10000)
	v.SetDefault("DEVICE_STORE_MAX_MEMORY_MB", 0)
	v.SetDefault("DEVICE_ENQUEUE_TIMEOUT", "250ms")
	v.SetDefault("DEVICE_SYNC_REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEVICE_SYNC_IDLE_INTERVAL", "30s")
	v.SetDefault("DEVICE_SYNC_INITIAL_BACKOFF", "2s")
	v.SetDefault("DEVICE_SYNC_MAX_BACKOFF", "5m")
	v.SetDefault("DEVICE_NETWORK", "")
	v.SetDefault("DEVICE_BATTERY", -1)
	v.SetDefault("GROWTH_MIN_SCORE", 4)
	v.SetDefault("GROWTH_CATEGORIES", "")
	v.SetDefault("SALT_WINDOW", "168h")

	cfg := &DeviceConfig{
		Env:       v.GetString("ENV"),
		DeviceID:  v.GetString("DEVICE_ID"),
		ServerURL: v.GetString("DEVICE_SERVER_URL"),
		Token:     v.GetString("DEVICE_TOKEN"),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Store: DeviceStoreConfig{
			Path:           v.GetString("DEVICE_STORE_PATH"),
			InMemory:       v.GetBool("DEVICE_STORE_IN_MEMORY"),
			MaxEvents:      v.GetInt("DEVICE_STORE_MAX_EVENTS"),
			MaxMemoryMB:    v.GetInt64("DEVICE_STORE_MAX_MEMORY_MB"),
			EnqueueTimeout: parseDuration(v.GetString("DEVICE_ENQUEUE_TIMEOUT"), 250*time.Millisecond),
		},
		Sync: DeviceSyncConfig{
			RequestTimeout:  parseDuration(v.GetString("DEVICE_SYNC_REQUEST_TIMEOUT"), 30*time.Second),
			IdleInterval:    parseDuration(v.GetString("DEVICE_SYNC_IDLE_INTERVAL"), 30*time.Second),
			InitialBackoff:  parseDuration(v.GetString("DEVICE_SYNC_INITIAL_BACKOFF"), 2*time.Second),
			MaxBackoff:      parseDuration(v.GetString("DEVICE_SYNC_MAX_BACKOFF"), 5*time.Minute),
			NetworkOverride: v.GetString("DEVICE_NETWORK"),
			BatteryOverride: v.GetInt("DEVICE_BATTERY"),
		},
		Growth: GrowthConfig{
			MinScore:   v.GetInt("GROWTH_MIN_SCORE"),
			Categories: splitAndTrim(v.GetString("GROWTH_CATEGORIES")),
		},
		SaltWindow: parseDuration(v.GetString("SALT_WINDOW"), 7*24*time.Hour),
	}
	return cfg, nil
}
