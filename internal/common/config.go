package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration. It is loaded once at
// startup (defaults -> file -> env -> CLI flags) and treated as immutable
// for the lifetime of the process.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Profiles    ProfilesConfig  `toml:"profiles"`
	Scraper     ScraperConfig   `toml:"scraper"`
	Uploader    UploaderConfig  `toml:"uploader"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable WAL journal mode
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size in MB
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Busy handler timeout
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ProfilesConfig configures the browser profile pool
type ProfilesConfig struct {
	Ids            []string      `toml:"ids"`               // Profile identifiers (one isolated browser identity each)
	DataDir        string        `toml:"data_dir"`          // Root directory for per-profile user data dirs
	MinInterUseGap time.Duration `toml:"min_inter_use_gap"` // Cooldown before a released profile may be leased again
	SwitchInterval time.Duration `toml:"switch_interval"`   // Idle time after which a profile is decisively preferred
	Headless       bool          `toml:"headless"`
	NoSandbox      bool          `toml:"no_sandbox"`
	UserAgent      string        `toml:"user_agent"`
}

// ScraperConfig configures the extraction driver
type ScraperConfig struct {
	NavigationTimeout time.Duration `toml:"navigation_timeout"`  // Per-navigation timeout
	ElementTimeout    time.Duration `toml:"element_timeout"`     // Timeline container wait timeout
	ScrollStep        float64       `toml:"scroll_step"`         // Normal scroll distance in px
	ScrollStepStuck   float64       `toml:"scroll_step_stuck"`   // Scroll distance after repeated stagnant rounds
	SettleDelay       time.Duration `toml:"settle_delay"`        // Pause after a scroll for content to render
	SettleDelayStuck  time.Duration `toml:"settle_delay_stuck"`  // Longer pause when the feed is stagnant
	MaxStagnantRounds int           `toml:"max_stagnant_rounds"` // Consecutive no-progress rounds before end-of-feed
	ScrollBudget      int           `toml:"scroll_budget"`       // Max scroll attempts per target
	NavRetries        int           `toml:"nav_retries"`         // Transient navigation retries per target
	NavigationPace    time.Duration `toml:"navigation_pace"`     // Minimum interval between navigations per profile
	BaseURL           string        `toml:"base_url"`            // Timeline service base URL
}

// UploaderConfig configures replication to the external tabular service
type UploaderConfig struct {
	BaseURL      string        `toml:"base_url"`   // External service API base URL
	AppID        string        `toml:"app_id"`     // Application credential id
	AppSecret    string        `toml:"app_secret"` // Application credential secret
	DocToken     string        `toml:"doc_token"`  // Destination document token
	TableID      string        `toml:"table_id"`   // Destination table id
	BatchSize    int           `toml:"batch_size"`
	MaxRetries   int           `toml:"max_retries"`
	RateCeiling  int           `toml:"rate_ceiling"` // Max calls per surface per second
	TokenTimeout time.Duration `toml:"token_timeout"`
}

// SchedulerConfig configures job admission and supervision
type SchedulerConfig struct {
	MaxConcurrency int           `toml:"max_concurrency"` // Cap on simultaneously running jobs
	PollInterval   time.Duration `toml:"poll_interval"`   // Backlog admission poll interval
	JobDeadline    time.Duration `toml:"job_deadline"`    // Overall per-job deadline
	UploadSweep    string        `toml:"upload_sweep"`    // Cron schedule for the unsynced-record sweep ("" = disabled)
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/aviary.db",
				WALMode:       true,
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Profiles: ProfilesConfig{
			Ids:            []string{"default"},
			DataDir:        "./data/profiles",
			MinInterUseGap: 2 * time.Second,
			SwitchInterval: 30 * time.Second,
			Headless:       true,
			NoSandbox:      false,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		},
		Scraper: ScraperConfig{
			NavigationTimeout: 30 * time.Second,
			ElementTimeout:    10 * time.Second,
			ScrollStep:        1500,
			ScrollStepStuck:   3000,
			SettleDelay:       500 * time.Millisecond,
			SettleDelayStuck:  time.Second,
			MaxStagnantRounds: 8,
			ScrollBudget:      200,
			NavRetries:        3,
			NavigationPace:    2 * time.Second,
			BaseURL:           "https://x.com",
		},
		Uploader: UploaderConfig{
			BaseURL:      "https://open.larksuite.com/open-apis",
			BatchSize:    500,
			MaxRetries:   3,
			RateCeiling:  3,
			TokenTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 2,
			PollInterval:   2 * time.Second,
			JobDeadline:    15 * time.Minute,
			UploadSweep:    "@every 5m",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, applying defaults first
// and environment variable overrides last. A missing file is not an error;
// defaults plus env overrides are returned.
func LoadFromFile(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// applyEnvOverrides applies environment variable overrides to config.
// Credentials support env override so secrets can stay out of the config
// file and the system_config table.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AVIARY_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("AVIARY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AVIARY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("AVIARY_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}

	if level := os.Getenv("AVIARY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("AVIARY_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitAndTrim(output, ",")
	}

	if ids := os.Getenv("AVIARY_PROFILE_IDS"); ids != "" {
		config.Profiles.Ids = splitAndTrim(ids, ",")
	}
	if dir := os.Getenv("AVIARY_PROFILE_DATA_DIR"); dir != "" {
		config.Profiles.DataDir = dir
	}
	if gap := os.Getenv("AVIARY_PROFILE_MIN_INTER_USE_GAP"); gap != "" {
		if d, err := time.ParseDuration(gap); err == nil {
			config.Profiles.MinInterUseGap = d
		}
	}
	if interval := os.Getenv("AVIARY_PROFILE_SWITCH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Profiles.SwitchInterval = d
		}
	}
	if headless := os.Getenv("AVIARY_PROFILE_HEADLESS"); headless != "" {
		config.Profiles.Headless = headless == "true" || headless == "1"
	}

	if baseURL := os.Getenv("AVIARY_UPLOADER_BASE_URL"); baseURL != "" {
		config.Uploader.BaseURL = baseURL
	}
	if appID := os.Getenv("AVIARY_UPLOADER_APP_ID"); appID != "" {
		config.Uploader.AppID = appID
	}
	if appSecret := os.Getenv("AVIARY_UPLOADER_APP_SECRET"); appSecret != "" {
		config.Uploader.AppSecret = appSecret
	}
	if docToken := os.Getenv("AVIARY_UPLOADER_DOC_TOKEN"); docToken != "" {
		config.Uploader.DocToken = docToken
	}
	if tableID := os.Getenv("AVIARY_UPLOADER_TABLE_ID"); tableID != "" {
		config.Uploader.TableID = tableID
	}
	if ceiling := os.Getenv("AVIARY_UPLOADER_RATE_CEILING"); ceiling != "" {
		if c, err := strconv.Atoi(ceiling); err == nil && c > 0 {
			config.Uploader.RateCeiling = c
		}
	}

	if concurrency := os.Getenv("AVIARY_SCHEDULER_MAX_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil && c > 0 {
			config.Scheduler.MaxConcurrency = c
		}
	}
	if deadline := os.Getenv("AVIARY_SCHEDULER_JOB_DEADLINE"); deadline != "" {
		if d, err := time.ParseDuration(deadline); err == nil {
			config.Scheduler.JobDeadline = d
		}
	}
}

// splitAndTrim splits a string by delimiter and trims whitespace from each part
func splitAndTrim(s string, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
