package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/rowjay/tender-mirror/internal/cryptoutil"
)

const (
	envPrefix = "TMR"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)
	bindLegacyEnv(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			vp.SetConfigType(configTypeFromPath(resolved))
			key := os.Getenv("TMR_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but TMR_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	if err := applyPostLoadDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv keeps the variable names older deployments export.
func bindLegacyEnv(vp *viper.Viper) {
	_ = vp.BindEnv("upstream.base_url", "TMR_UPSTREAM_BASE_URL", "FIND_TENDER_BASE_URL")
	_ = vp.BindEnv("upstream.api_version", "TMR_UPSTREAM_API_VERSION", "FIND_TENDER_VERSION")
	_ = vp.BindEnv("store.dsn", "TMR_STORE_DSN", "DATABASE_URL")
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("TMR_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"tmr.yaml",
		"tmr.yml",
		"tmr.toml",
		"tmr.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "tmr")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"tmr.yaml.enc", "tmr.yml.enc", "tmr.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(trimmed) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "0s")
	vp.SetDefault("global.user_agent", "tender-mirror")

	vp.SetDefault("upstream.base_url", "https://www.find-tender.service.gov.uk")
	vp.SetDefault("upstream.api_version", "1.0")
	vp.SetDefault("upstream.page_size", 100)
	vp.SetDefault("upstream.timeout", "60s")
	vp.SetDefault("upstream.connect_timeout", "10s")
	vp.SetDefault("upstream.max_attempts", 6)
	vp.SetDefault("upstream.backoff_base", "1s")
	vp.SetDefault("upstream.backoff_cap", "30s")
	vp.SetDefault("upstream.jitter", "500ms")
	vp.SetDefault("upstream.retry_statuses", []int{429, 502, 503, 504})
	vp.SetDefault("upstream.max_conns", 10)

	vp.SetDefault("clone.data_dir", "data/clones")
	vp.SetDefault("clone.rotate_size", "100MB")
	vp.SetDefault("clone.verify_objects", true)
	vp.SetDefault("clone.shared_objects", false)

	vp.SetDefault("ingest.data_dir", "data/ingests")
	vp.SetDefault("ingest.commit_every", 1)
	vp.SetDefault("ingest.default_total", 200)
	vp.SetDefault("ingest.max_total", 5000)
	vp.SetDefault("ingest.first_page_limit", 20)

	vp.SetDefault("store.dsn", "data/tenders.db")

	vp.SetDefault("search.default_limit", 25)
	vp.SetDefault("search.max_limit", 100)
	vp.SetDefault("search.min_query", 2)
	vp.SetDefault("search.max_query", 200)
	vp.SetDefault("search.near_threshold", 0.3)

	vp.SetDefault("operations.durable", true)
	vp.SetDefault("operations.max_background", 2)
	vp.SetDefault("operations.ttl", "24h")

	vp.SetDefault("server.addr", ":8080")
	vp.SetDefault("server.read_timeout", "15s")
	vp.SetDefault("server.write_timeout", "60s")
	vp.SetDefault("server.shutdown_timeout", "30s")

	vp.SetDefault("archive.compression", "zstd")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./archives")
	vp.SetDefault("schedule.timezone", "")
}

func applyPostLoadDefaults(cfg *Config) error {
	rotate, err := humanize.ParseBytes(cfg.Clone.RotateSize)
	if err != nil {
		return fmt.Errorf("clone.rotate_size: %w", err)
	}
	cfg.Clone.RotateBytes = int64(rotate)
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 60 * time.Second
	}
	if cfg.Upstream.MaxAttempts < 1 {
		cfg.Upstream.MaxAttempts = 1
	}
	if cfg.Ingest.CommitEvery < 1 {
		cfg.Ingest.CommitEvery = 1
	}
	if cfg.Operations.MaxBackground < 1 {
		cfg.Operations.MaxBackground = 1
	}
	return nil
}

func expandEnv(cfg *Config) {
	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)
	cfg.Archive.EncryptionKey = os.ExpandEnv(cfg.Archive.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
