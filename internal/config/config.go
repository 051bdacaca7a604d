package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/fusionn-mood/pkg/logger"
)

const envPrefix = "FUSIONN_MOOD"

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
	Apprise  AppriseConfig  `mapstructure:"apprise"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file shared by the API and every worker
}

type WorkerConfig struct {
	Workers          int           `mapstructure:"workers"`           // Claim loops per process
	PollInterval     time.Duration `mapstructure:"poll_interval"`     // Idle wait between claims
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`   // Claimed jobs idle longer than this are orphaned
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"` // How often to sweep for orphans (0 = startup only)
	RecoveryMode     string        `mapstructure:"recovery_mode"`     // "stage" keeps progress, "pending" restarts the job
	BatchSize        int           `mapstructure:"batch_size"`        // Segments scored per append
	MaxStoreErrors   int           `mapstructure:"max_store_errors"`  // Consecutive store failures before the loop halts
	MaxAttempts      int           `mapstructure:"max_attempts"`      // Claims per job before it is failed (0 = unlimited)
}

// RetryConfig applies to transient fetcher and scorer failures.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// TimeoutConfig bounds every call to an external capability.
type TimeoutConfig struct {
	Metadata time.Duration `mapstructure:"metadata"`
	Captions time.Duration `mapstructure:"captions"`
	Media    time.Duration `mapstructure:"media"`
	Scoring  time.Duration `mapstructure:"scoring"`
}

type FetcherConfig struct {
	// Provider: "ytdlp" (yt-dlp CLI) or "dryrun" (synthetic data)
	Provider string `mapstructure:"provider"`
	// Binary: yt-dlp executable name or path
	Binary string `mapstructure:"binary"`
	// MediaDir: where downloaded media lands
	MediaDir string `mapstructure:"media_dir"`
	// SubtitleLangs: passed to --sub-langs
	SubtitleLangs []string `mapstructure:"subtitle_langs"`
	// Format: yt-dlp format selector for media downloads
	Format string `mapstructure:"format"`
}

type ScorerConfig struct {
	// Provider: "lexicon" (built-in keywords) or "http" (remote service)
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`

	// Rate limiting
	RateLimitRPM int `mapstructure:"rate_limit_rpm"` // Requests per minute (0 = no limit)
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"` // Apprise API URL
	Key     string `mapstructure:"key"`      // Apprise config key
	Tag     string `mapstructure:"tag"`      // Tag to filter services
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "data/fusionn-mood.db")

	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.stale_threshold", 10*time.Minute)
	v.SetDefault("worker.recovery_interval", time.Minute)
	v.SetDefault("worker.recovery_mode", "stage")
	v.SetDefault("worker.batch_size", 25)
	v.SetDefault("worker.max_store_errors", 10)
	v.SetDefault("worker.max_attempts", 10)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("timeouts.metadata", 30*time.Second)
	v.SetDefault("timeouts.captions", time.Minute)
	v.SetDefault("timeouts.media", 30*time.Minute)
	v.SetDefault("timeouts.scoring", 10*time.Second)

	v.SetDefault("fetcher.provider", "ytdlp")
	v.SetDefault("fetcher.binary", "yt-dlp")
	v.SetDefault("fetcher.media_dir", "data/media")
	v.SetDefault("fetcher.subtitle_langs", []string{"en.*", "en"})
	v.SetDefault("fetcher.format", "bestaudio/best")

	v.SetDefault("scorer.provider", "lexicon")

	v.SetDefault("apprise.tag", "all")
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Worker.Workers < 1:
		return errors.Newf("worker.workers must be >= 1, got %d", c.Worker.Workers)
	case c.Worker.PollInterval <= 0:
		return errors.New("worker.poll_interval must be positive")
	case c.Worker.StaleThreshold <= 0:
		return errors.New("worker.stale_threshold must be positive")
	case c.Worker.RecoveryInterval < 0:
		return errors.New("worker.recovery_interval must not be negative")
	case c.Worker.BatchSize < 1:
		return errors.Newf("worker.batch_size must be >= 1, got %d", c.Worker.BatchSize)
	case c.Worker.MaxStoreErrors < 1:
		return errors.Newf("worker.max_store_errors must be >= 1, got %d", c.Worker.MaxStoreErrors)
	case c.Worker.MaxAttempts < 0:
		return errors.Newf("worker.max_attempts must not be negative, got %d", c.Worker.MaxAttempts)
	case c.Retry.MaxAttempts < 1:
		return errors.Newf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	case c.Retry.Multiplier < 1:
		return errors.New("retry.multiplier must be >= 1")
	}

	switch c.Worker.RecoveryMode {
	case "stage", "pending":
	default:
		return errors.Newf("worker.recovery_mode must be stage or pending, got %q", c.Worker.RecoveryMode)
	}

	for name, d := range map[string]time.Duration{
		"metadata": c.Timeouts.Metadata,
		"captions": c.Timeouts.Captions,
		"media":    c.Timeouts.Media,
		"scoring":  c.Timeouts.Scoring,
	} {
		if d <= 0 {
			return errors.Newf("timeouts.%s must be positive", name)
		}
	}

	switch strings.ToLower(c.Scorer.Provider) {
	case "lexicon":
	case "http":
		if c.Scorer.BaseURL == "" {
			return errors.New("scorer.base_url is required for the http scorer")
		}
	default:
		return errors.Newf("unknown scorer provider %q", c.Scorer.Provider)
	}

	switch strings.ToLower(c.Fetcher.Provider) {
	case "ytdlp", "dryrun":
	default:
		return errors.Newf("unknown fetcher provider %q", c.Fetcher.Provider)
	}

	return nil
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}
	stopOnce  sync.Once

	path        string
	lastModTime time.Time
}

// NewManager creates a config manager with hot-reload support via polling.
// A missing file is not an error: defaults and FUSIONN_MOOD_* env vars apply.
func NewManager(path string, pollInterval time.Duration) (*Manager, error) {
	v, cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	}

	m := &Manager{
		v:           v,
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	if pollInterval > 0 {
		go m.pollForChanges(pollInterval)
		logger.Infof("📋 Config loaded (polling every %s for changes)", pollInterval)
	}

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkForChanges()
		}
	}
}

func (m *Manager) checkForChanges() {
	stat, err := os.Stat(m.path)
	if err != nil {
		return
	}

	m.mu.RLock()
	lastMod := m.lastModTime
	m.mu.RUnlock()

	if !stat.ModTime().After(lastMod) {
		return
	}

	logger.Infof("🔄 Config file changed, reloading...")

	if err := m.v.ReadInConfig(); err != nil {
		logger.Errorf("❌ Failed to re-read config: %v", err)
		return
	}

	m.mu.Lock()
	m.lastModTime = stat.ModTime()
	m.mu.Unlock()

	m.reload()
}

func (m *Manager) reload() {
	var newCfg Config
	if err := m.v.Unmarshal(&newCfg); err != nil {
		logger.Errorf("❌ Failed to reload config: %v", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		logger.Errorf("❌ Rejected config reload: %v", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = &newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, &newCfg, "")

	for _, cb := range callbacks {
		cb(oldCfg, &newCfg)
	}
}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			continue
		}
		if strings.Contains(strings.ToLower(field.Name), "key") {
			logger.Infof("  📝 %s: (changed)", fieldName)
			continue
		}
		logger.Infof("  📝 %s: %v → %v", fieldName, oldField.Interface(), newField.Interface())
	}
}

// Load is a convenience function for one-time loading.
func Load(path string) (*Config, error) {
	_, cfg, err := read(path)
	return cfg, err
}

func read(path string) (*viper.Viper, *Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		logger.Warnf("⚠️ Config file %s not found, using defaults", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid config")
	}

	return v, &cfg, nil
}

// String renders the settings worth printing at startup.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s workers=%d poll=%s stale=%s fetcher=%s scorer=%s",
		c.Database.Path, c.Worker.Workers, c.Worker.PollInterval, c.Worker.StaleThreshold,
		c.Fetcher.Provider, c.Scorer.Provider)
}
