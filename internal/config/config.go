// Package config handles loading and parsing of partstash configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for partstash.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Manifest      ManifestConfig      `yaml:"manifest"`
	PartStore     PartStoreConfig     `yaml:"partstore"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadSize caps a single direct upload. Zero means unlimited.
	MaxUploadSize ByteSize `yaml:"max_upload_size"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngestConfig controls the chunking pipeline.
type IngestConfig struct {
	// MaxPartSize is the largest payload stored per remote object.
	MaxPartSize ByteSize `yaml:"max_part_size"`
	// MemorySpoolLimit is the part size above which parts are buffered in a
	// temp file instead of memory.
	MemorySpoolLimit ByteSize `yaml:"memory_spool_limit"`
	// SpoolDir holds temp spool files. Empty means os.TempDir().
	SpoolDir string `yaml:"spool_dir"`
	// MaxConcurrentJobs caps simultaneously running ingests.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	// ProgressInterval is the minimum gap between progress callbacks.
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig is the bounded retry policy shared by uploads and fetches.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ManifestConfig selects and configures the manifest store engine.
type ManifestConfig struct {
	// Engine is one of "sqlite", "pebble", "local", "memory", "dynamodb",
	// "firestore", "cosmos".
	Engine    string              `yaml:"engine"`
	SQLite    SQLiteConfig        `yaml:"sqlite"`
	Pebble    PebbleConfig        `yaml:"pebble"`
	Local     LocalManifestConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig      `yaml:"dynamodb"`
	Firestore FirestoreConfig     `yaml:"firestore"`
	Cosmos    CosmosConfig        `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite database settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// PebbleConfig holds Pebble key-value store settings.
type PebbleConfig struct {
	Dir string `yaml:"dir"`
}

// LocalManifestConfig holds settings for the JSONL-file manifest engine.
type LocalManifestConfig struct {
	RootDir string `yaml:"root_dir"`
	// CompactOnStartup rewrites the log without superseded entries.
	CompactOnStartup bool `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds settings for the DynamoDB manifest engine. The table
// has a string partition key "pk" and a string sort key "sk".
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint (DynamoDB Local, LocalStack).
	Endpoint string `yaml:"endpoint"`
}

// FirestoreConfig holds settings for the Firestore manifest engine.
type FirestoreConfig struct {
	Project    string `yaml:"project"`
	Collection string `yaml:"collection"`
	// CredentialsFile is an optional service account key path.
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds settings for the Azure Cosmos DB manifest engine. The
// container is partitioned on /type.
type CosmosConfig struct {
	Endpoint string `yaml:"endpoint"`
	// MasterKey is the account key. PARTSTASH_COSMOS_KEY overrides it.
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// PartStoreConfig selects and configures the remote part backend.
type PartStoreConfig struct {
	// Backend is one of "telegram", "aws", "gcp", "azure", "local", "sqlite", "memory".
	Backend  string         `yaml:"backend"`
	Local    LocalConfig    `yaml:"local"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	AWS      AWSConfig      `yaml:"aws"`
	GCP      GCPConfig      `yaml:"gcp"`
	Azure    AzureConfig    `yaml:"azure"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// LocalConfig holds local filesystem part storage settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AWSConfig configures S3 part storage.
type AWSConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Prefix is prepended to every part key.
	Prefix string `yaml:"prefix"`
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// GCPConfig configures Google Cloud Storage part storage.
type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
	// GRPC selects the gRPC transport instead of JSON over HTTP.
	GRPC bool `yaml:"grpc"`
	// CredentialsFile is an optional service account key path.
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig configures Azure Blob part storage.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account builds AccountURL as https://{account}.blob.core.windows.net.
	Account          string `yaml:"account"`
	AccountURL       string `yaml:"account_url"`
	ConnectionString string `yaml:"connection_string"`
	Prefix           string `yaml:"prefix"`
	// UseManagedIdentity selects ManagedIdentityCredential over DefaultAzureCredential.
	UseManagedIdentity bool `yaml:"use_managed_identity"`
}

// TelegramConfig configures the Bot API document backend.
type TelegramConfig struct {
	// Token is the bot token. PARTSTASH_TELEGRAM_TOKEN overrides it.
	Token string `yaml:"token"`
	// ChatID is the chat or channel documents are sent to.
	ChatID string `yaml:"chat_id"`
	// APIURL is the Bot API root, e.g. a self-hosted telegram-bot-api server.
	APIURL string `yaml:"api_url"`
	// MaxPartSize is the backend ceiling for one document. It defaults to
	// PublicTelegramLimit for the hosted API and SelfHostedTelegramLimit
	// otherwise.
	MaxPartSize ByteSize `yaml:"max_part_size"`
	// WholePartFetch disables Range requests and slices parts locally.
	WholePartFetch bool          `yaml:"whole_part_fetch"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Telegram document ceilings. The public Bot API serves getFile downloads
// up to 20 MB; a self-hosted telegram-bot-api server (--local) accepts and
// serves documents up to 2000 MB.
const (
	PublicTelegramLimit     = 20 * MiB
	SelfHostedTelegramLimit = 2000 * MiB
)

const publicTelegramHost = "api.telegram.org"

// PublicAPI reports whether APIURL points at Telegram's hosted Bot API.
func (t TelegramConfig) PublicAPI() bool {
	if t.APIURL == "" {
		return true
	}
	u, err := url.Parse(t.APIURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), publicTelegramHost)
}

// ObservabilityConfig toggles metrics.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path fails, it
// falls back to partstash.example.yaml in the same or the parent directory.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "partstash.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "partstash.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyEnv(cfg)
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Ingest.MemorySpoolLimit == 0 {
		cfg.Ingest.MemorySpoolLimit = 64 * MiB
	}
	if cfg.Ingest.MaxConcurrentJobs == 0 {
		cfg.Ingest.MaxConcurrentJobs = 4
	}
	if cfg.Ingest.ProgressInterval == 0 {
		cfg.Ingest.ProgressInterval = 2 * time.Second
	}
	if cfg.Ingest.Retry.MaxAttempts == 0 {
		cfg.Ingest.Retry.MaxAttempts = 3
	}
	if cfg.Ingest.Retry.BaseDelay == 0 {
		cfg.Ingest.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Ingest.Retry.MaxDelay == 0 {
		cfg.Ingest.Retry.MaxDelay = 30 * time.Second
	}

	if cfg.Manifest.Engine == "" {
		cfg.Manifest.Engine = "sqlite"
	}
	if cfg.Manifest.SQLite.Path == "" {
		cfg.Manifest.SQLite.Path = "./data/manifest.db"
	}
	if cfg.Manifest.Pebble.Dir == "" {
		cfg.Manifest.Pebble.Dir = "./data/manifest.pebble"
	}
	if cfg.Manifest.Local.RootDir == "" {
		cfg.Manifest.Local.RootDir = "./data/manifest"
	}
	if cfg.Manifest.DynamoDB.Region == "" {
		cfg.Manifest.DynamoDB.Region = "us-east-1"
	}
	if cfg.Manifest.Firestore.Collection == "" {
		cfg.Manifest.Firestore.Collection = "partstash"
	}
	if cfg.Manifest.Cosmos.Container == "" {
		cfg.Manifest.Cosmos.Container = "manifests"
	}

	if cfg.PartStore.Backend == "" {
		cfg.PartStore.Backend = "local"
	}
	if cfg.PartStore.Local.RootDir == "" {
		cfg.PartStore.Local.RootDir = "./data/parts"
	}
	if cfg.PartStore.SQLite.Path == "" {
		cfg.PartStore.SQLite.Path = "./data/parts.db"
	}
	if cfg.PartStore.AWS.Region == "" {
		cfg.PartStore.AWS.Region = "us-east-1"
	}
	if cfg.PartStore.Telegram.APIURL == "" {
		cfg.PartStore.Telegram.APIURL = "https://api.telegram.org"
	}
	tg := &cfg.PartStore.Telegram
	if tg.MaxPartSize == 0 {
		tg.MaxPartSize = SelfHostedTelegramLimit
		if tg.PublicAPI() {
			tg.MaxPartSize = PublicTelegramLimit
		}
	}

	if cfg.Ingest.MaxPartSize == 0 {
		cfg.Ingest.MaxPartSize = 1900 * MiB
		if cfg.PartStore.Backend == "telegram" && tg.MaxPartSize < cfg.Ingest.MaxPartSize {
			cfg.Ingest.MaxPartSize = tg.MaxPartSize
		}
	}
	if cfg.PartStore.Telegram.Timeout == 0 {
		cfg.PartStore.Telegram.Timeout = 30 * time.Minute
	}
}

func applyEnv(cfg *Config) {
	if tok := os.Getenv("PARTSTASH_TELEGRAM_TOKEN"); tok != "" {
		cfg.PartStore.Telegram.Token = tok
	}
	if chat := os.Getenv("PARTSTASH_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.PartStore.Telegram.ChatID = chat
	}
	if key := os.Getenv("PARTSTASH_COSMOS_KEY"); key != "" {
		cfg.Manifest.Cosmos.MasterKey = key
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch m := c.Manifest; m.Engine {
	case "sqlite", "pebble", "local", "memory":
	case "dynamodb":
		if m.DynamoDB.Table == "" {
			errs = append(errs, errors.New("manifest.dynamodb.table is required"))
		}
	case "firestore":
		if m.Firestore.Project == "" {
			errs = append(errs, errors.New("manifest.firestore.project is required"))
		}
	case "cosmos":
		if m.Cosmos.Endpoint == "" {
			errs = append(errs, errors.New("manifest.cosmos.endpoint is required"))
		}
		if m.Cosmos.Database == "" {
			errs = append(errs, errors.New("manifest.cosmos.database is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("manifest.engine: unknown engine %q", c.Manifest.Engine))
	}

	if c.Ingest.MaxPartSize <= 0 {
		errs = append(errs, errors.New("ingest.max_part_size must be positive"))
	}
	if c.Ingest.MaxConcurrentJobs < 1 {
		errs = append(errs, errors.New("ingest.max_concurrent_jobs must be at least 1"))
	}
	if c.Ingest.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("ingest.retry.max_attempts must be at least 1"))
	}

	ps := c.PartStore
	switch ps.Backend {
	case "local", "sqlite", "memory":
	case "aws":
		if ps.AWS.Bucket == "" {
			errs = append(errs, errors.New("partstore.aws.bucket is required"))
		}
	case "gcp":
		if ps.GCP.Bucket == "" {
			errs = append(errs, errors.New("partstore.gcp.bucket is required"))
		}
	case "azure":
		if ps.Azure.Container == "" {
			errs = append(errs, errors.New("partstore.azure.container is required"))
		}
		if ps.Azure.AccountURL == "" && ps.Azure.Account == "" && ps.Azure.ConnectionString == "" {
			errs = append(errs, errors.New("partstore.azure needs account, account_url or connection_string"))
		}
	case "telegram":
		if ps.Telegram.Token == "" {
			errs = append(errs, errors.New("partstore.telegram.token is required"))
		}
		if ps.Telegram.ChatID == "" {
			errs = append(errs, errors.New("partstore.telegram.chat_id is required"))
		}
		if ps.Telegram.PublicAPI() && ps.Telegram.MaxPartSize > PublicTelegramLimit {
			errs = append(errs, fmt.Errorf("partstore.telegram.max_part_size %s exceeds the public Bot API download limit %s; "+
				"point api_url at a self-hosted telegram-bot-api server for larger parts",
				ps.Telegram.MaxPartSize, PublicTelegramLimit))
		}
		if c.Ingest.MaxPartSize > ps.Telegram.MaxPartSize {
			errs = append(errs, fmt.Errorf("ingest.max_part_size %s exceeds the telegram limit %s",
				c.Ingest.MaxPartSize, ps.Telegram.MaxPartSize))
		}
	default:
		errs = append(errs, fmt.Errorf("partstore.backend: unknown backend %q", ps.Backend))
	}

	return errors.Join(errs...)
}
