package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Alexander-D-Karpov/ampfin/internal/platform"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const envPrefix = "AMPFIN"

type Config struct {
	Debug bool `mapstructure:"debug"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Server struct {
		Address       string `mapstructure:"address"`
		AccessToken   string `mapstructure:"access_token"`
		UserID        string `mapstructure:"user_id"`
		DeviceID      string `mapstructure:"device_id"`
		DeviceName    string `mapstructure:"device_name"`
		ClientName    string `mapstructure:"client_name"`
		ClientVersion string `mapstructure:"client_version"`
	} `mapstructure:"server"`

	API struct {
		Timeout   time.Duration `mapstructure:"timeout"`
		Retries   int           `mapstructure:"retries"`
		UserAgent string        `mapstructure:"user_agent"`
		RateLimit struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			BurstSize         int     `mapstructure:"burst_size"`
		} `mapstructure:"rate_limit"`
		Breaker struct {
			FailureThreshold uint32        `mapstructure:"failure_threshold"`
			OpenTimeout      time.Duration `mapstructure:"open_timeout"`
		} `mapstructure:"breaker"`
	} `mapstructure:"api"`

	Storage struct {
		DatabasePath string `mapstructure:"database_path"`
		DownloadDir  string `mapstructure:"download_dir"`
		EnableWAL    bool   `mapstructure:"enable_wal"`
	} `mapstructure:"storage"`

	Sync struct {
		Interval            time.Duration `mapstructure:"interval"`
		FullSyncFreshness   time.Duration `mapstructure:"full_sync_freshness"`
		PageSize            int           `mapstructure:"page_size"`
		PlaylistConcurrency int           `mapstructure:"playlist_concurrency"`
		OnStart             bool          `mapstructure:"on_start"`
	} `mapstructure:"sync"`

	Offline struct {
		CheckInterval time.Duration `mapstructure:"check_interval"`
		CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	} `mapstructure:"offline"`

	Download struct {
		MaxConcurrent int           `mapstructure:"max_concurrent"`
		Retries       int           `mapstructure:"retries"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"download"`

	Metrics struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"metrics"`
}

// Load reads config.yaml from configPath (or the usual search locations), applies
// AMPFIN_* environment overrides and fills every unset key with its default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir, err := platform.GetConfigDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(configDir)
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.DeviceID == "" {
		cfg.Server.DeviceID = uuid.NewString()
	}
	cfg.Server.Address = strings.TrimRight(cfg.Server.Address, "/")

	if err := ensureDirectories(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration populated only with defaults. Paths point at the
// platform data directories; callers (mostly tests) usually override them.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.address", "")
	v.SetDefault("server.access_token", "")
	v.SetDefault("server.user_id", "")
	v.SetDefault("server.device_id", "")
	v.SetDefault("server.device_name", defaultDeviceName())
	v.SetDefault("server.client_name", "ampfin")
	v.SetDefault("server.client_version", "1.0.0")

	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retries", 0)
	v.SetDefault("api.user_agent", "ampfin/1.0.0")
	v.SetDefault("api.rate_limit.requests_per_second", 50.0)
	v.SetDefault("api.rate_limit.burst_size", 25)
	v.SetDefault("api.breaker.failure_threshold", 5)
	v.SetDefault("api.breaker.open_timeout", 30*time.Second)

	dataDir, _ := platform.GetDataDir()

	v.SetDefault("storage.database_path", filepath.Join(dataDir, "library.db"))
	v.SetDefault("storage.download_dir", filepath.Join(dataDir, "downloads"))
	v.SetDefault("storage.enable_wal", true)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.full_sync_freshness", 24*time.Hour)
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.playlist_concurrency", 25)
	v.SetDefault("sync.on_start", true)

	v.SetDefault("offline.check_interval", 30*time.Second)
	v.SetDefault("offline.check_timeout", 5*time.Second)

	v.SetDefault("download.max_concurrent", 3)
	v.SetDefault("download.retries", 2)
	v.SetDefault("download.timeout", 10*time.Minute)

	v.SetDefault("metrics.listen_address", "")
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ampfin"
	}
	return host
}

func ensureDirectories(cfg *Config) error {
	dirs := []string{
		filepath.Dir(cfg.Storage.DatabasePath),
		cfg.Storage.DownloadDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

// Credentials returns the explicit connection context handed to every component.
func (c *Config) Credentials() types.Credentials {
	return types.Credentials{
		ServerAddress: strings.TrimRight(c.Server.Address, "/"),
		AccessToken:   c.Server.AccessToken,
		UserID:        c.Server.UserID,
	}
}
