package config

import "time"

// Config is the root configuration schema. It is loaded once at process
// start and treated as read-only afterwards.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Clone         CloneConfig         `mapstructure:"clone"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Store         StoreConfig         `mapstructure:"store"`
	Search        SearchConfig        `mapstructure:"search"`
	Operations    OperationsConfig    `mapstructure:"operations"`
	Server        ServerConfig        `mapstructure:"server"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LogFile          string        `mapstructure:"log_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
	UserAgent        string        `mapstructure:"user_agent"`
}

type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIVersion     string        `mapstructure:"api_version"`
	PageSize       int           `mapstructure:"page_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	Jitter         time.Duration `mapstructure:"jitter"`
	RetryStatuses  []int         `mapstructure:"retry_statuses"`
	MaxConns       int           `mapstructure:"max_conns"`
}

type CloneConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	RotateSize    string `mapstructure:"rotate_size"` // humanized, e.g. 100MB
	RotateBytes   int64  `mapstructure:"-"`
	VerifyObjects bool   `mapstructure:"verify_objects"`
	SharedObjects bool   `mapstructure:"shared_objects"`
}

type IngestConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	CommitEvery    int    `mapstructure:"commit_every"`
	DefaultTotal   int    `mapstructure:"default_total"`
	MaxTotal       int    `mapstructure:"max_total"`
	FirstPageLimit int    `mapstructure:"first_page_limit"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SearchConfig struct {
	DefaultLimit  int     `mapstructure:"default_limit"`
	MaxLimit      int     `mapstructure:"max_limit"`
	MinQuery      int     `mapstructure:"min_query"`
	MaxQuery      int     `mapstructure:"max_query"`
	NearThreshold float64 `mapstructure:"near_threshold"`
}

type OperationsConfig struct {
	Durable       bool          `mapstructure:"durable"`
	MaxBackground int           `mapstructure:"max_background"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ArchiveConfig struct {
	Compression     string    `mapstructure:"compression"` // none, gzip, zstd
	Encryption      bool      `mapstructure:"encryption"`
	EncryptionKey   string    `mapstructure:"encryption_key"`
	RetentionPolicy Retention `mapstructure:"retention"`
}

type Retention struct {
	KeepLast int   `mapstructure:"keep_last"`
	KeepDays int   `mapstructure:"keep_days"`
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3, aws
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	AWS     AWSStore   `mapstructure:"aws"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

// AWSStore uses the SDK default credential chain (env, shared config, IAM role).
type AWSStore struct {
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}
