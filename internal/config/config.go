// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Encryption    EncryptionConfig    `mapstructure:"encryption"`
	Extraction    ExtractionConfig    `mapstructure:"extraction"`
	Graph         GraphConfig         `mapstructure:"graph"`
	Search        SearchConfig        `mapstructure:"search"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Watcher       WatcherConfig       `mapstructure:"watcher"`
	Bus           BusConfig           `mapstructure:"bus"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Tika          TikaConfig          `mapstructure:"tika"`
	LLM           LLMConfig           `mapstructure:"llm"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储元数据库和 Redis 的配置。
// Driver 取值 sqlite / mysql / postgres，桌面本地模式默认 sqlite。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置，Addr 为空表示不启用。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig 描述内容存储的后端。
type StorageConfig struct {
	Driver string      `mapstructure:"driver"` // fs | minio | s3
	FS     FSConfig    `mapstructure:"fs"`
	MinIO  MinIOConfig `mapstructure:"minio"`
	S3     S3Config    `mapstructure:"s3"`
}

type FSConfig struct {
	Root string `mapstructure:"root"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// S3Config 存储 S3 兼容对象存储的配置。
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// EncryptionConfig 配置加密层。Passphrase 只从配置/环境变量读取，不会落库。
type EncryptionConfig struct {
	Algorithm           string   `mapstructure:"algorithm"`
	KDF                 string   `mapstructure:"kdf"`
	Passphrase          string   `mapstructure:"passphrase"`
	ConfidentialSources []string `mapstructure:"confidential_sources"`
	Argon2Time          uint32   `mapstructure:"argon2_time"`
	Argon2MemoryKiB     uint32   `mapstructure:"argon2_memory_kib"`
	Argon2Threads       uint8    `mapstructure:"argon2_threads"`
	ScryptN             int      `mapstructure:"scrypt_n"`
	PBKDF2Iterations    int      `mapstructure:"pbkdf2_iterations"`
}

// ExtractionConfig 配置实体抽取。
type ExtractionConfig struct {
	TechnicalTerms []string         `mapstructure:"technical_terms"`
	Locations      []string         `mapstructure:"locations"`
	FirstNames     []string         `mapstructure:"first_names"`
	Model          ModelExtractConf `mapstructure:"model"`
}

// ModelExtractConf 控制是否额外调用大模型抽取人名/机构名。
type ModelExtractConf struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxChunkRunes int  `mapstructure:"max_chunk_runes"`
}

// GraphConfig 配置关系构建。
type GraphConfig struct {
	EntityScope        string  `mapstructure:"entity_scope"` // global | source_type
	Precedence         string  `mapstructure:"precedence"`   // most_specific | all
	InitialStrength    float64 `mapstructure:"initial_strength"`
	StrengthIncrement  float64 `mapstructure:"strength_increment"`
	CooccurrenceWindow int     `mapstructure:"cooccurrence_window"`
}

// SearchConfig 配置检索。
type SearchConfig struct {
	Backend      string `mapstructure:"backend"` // memory | elasticsearch
	DefaultMode  string `mapstructure:"default_mode"`
	DefaultLimit int    `mapstructure:"default_limit"`
	MaxLimit     int    `mapstructure:"max_limit"`
	SuggestLimit int    `mapstructure:"suggest_limit"`
	HistorySize  int    `mapstructure:"history_size"`
	SnippetRunes int    `mapstructure:"snippet_runes"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// PipelineConfig 配置摄取流水线。
type PipelineConfig struct {
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	StorageAttempts  int           `mapstructure:"storage_attempts"`
	MaxDocumentBytes int64         `mapstructure:"max_document_bytes"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	RebuildWorkers   int           `mapstructure:"rebuild_workers"`
}

// JobsConfig 配置异步任务队列。
type JobsConfig struct {
	Workers          int           `mapstructure:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Dispatcher       string        `mapstructure:"dispatcher"` // channel | kafka
	Store            string        `mapstructure:"store"`      // memory | redis
	Retention        time.Duration `mapstructure:"retention"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// WatcherConfig 配置文件监听。
type WatcherConfig struct {
	Paths      []string      `mapstructure:"paths"`
	Recursive  bool          `mapstructure:"recursive"`
	Debounce   time.Duration `mapstructure:"debounce"`
	Extensions []string      `mapstructure:"extensions"`
}

// BusConfig 配置通知总线。
type BusConfig struct {
	HistorySize      int `mapstructure:"history_size"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// AuthConfig 存储 JWT 相关的配置。Enabled=false 时本地模式不校验 token。
type AuthConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Secret           string `mapstructure:"secret"`
	ClientSecretHash string `mapstructure:"client_secret_hash"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// LLMConfig 存储大语言模型相关的配置，用于模型辅助的实体抽取。
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/pkm.db")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")

	v.SetDefault("storage.driver", "fs")
	v.SetDefault("storage.fs.root", "./data/blobs")
	v.SetDefault("storage.minio.bucket_name", "pkm-content")
	v.SetDefault("storage.s3.region", "us-east-1")

	v.SetDefault("encryption.algorithm", "xchacha20-poly1305")
	v.SetDefault("encryption.kdf", "argon2id")
	v.SetDefault("encryption.passphrase", "")
	v.SetDefault("encryption.argon2_time", 1)
	v.SetDefault("encryption.argon2_memory_kib", 64*1024)
	v.SetDefault("encryption.argon2_threads", 4)
	v.SetDefault("encryption.scrypt_n", 1<<15)
	v.SetDefault("encryption.pbkdf2_iterations", 600000)

	v.SetDefault("extraction.model.max_chunk_runes", 4000)

	v.SetDefault("graph.entity_scope", "global")
	v.SetDefault("graph.precedence", "most_specific")
	v.SetDefault("graph.initial_strength", 0.1)
	v.SetDefault("graph.strength_increment", 0.1)
	v.SetDefault("graph.cooccurrence_window", 200)

	v.SetDefault("search.backend", "memory")
	v.SetDefault("search.default_mode", "fuzzy")
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.suggest_limit", 10)
	v.SetDefault("search.history_size", 200)
	v.SetDefault("search.snippet_runes", 160)
	v.SetDefault("elasticsearch.index_name", "pkm_documents")

	v.SetDefault("pipeline.step_timeout", 15*time.Second)
	v.SetDefault("pipeline.storage_attempts", 3)
	v.SetDefault("pipeline.max_document_bytes", 64<<20)
	v.SetDefault("pipeline.lock_ttl", time.Minute)
	v.SetDefault("pipeline.rebuild_workers", 4)

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff_base", 200*time.Millisecond)
	v.SetDefault("jobs.backoff_max", 5*time.Second)
	v.SetDefault("jobs.failure_threshold", 0.5)
	v.SetDefault("jobs.dispatcher", "channel")
	v.SetDefault("jobs.store", "memory")
	v.SetDefault("jobs.retention", 24*time.Hour)

	v.SetDefault("kafka.topic", "pkm-ingest-items")
	v.SetDefault("kafka.group_id", "pkm-ingest-group")

	v.SetDefault("watcher.recursive", true)
	v.SetDefault("watcher.debounce", 500*time.Millisecond)
	v.SetDefault("watcher.extensions", []string{".txt", ".md", ".markdown", ".pdf", ".docx", ".html", ".eml", ".csv", ".json"})

	v.SetDefault("bus.history_size", 256)
	v.SetDefault("bus.subscriber_buffer", 64)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.client_secret_hash", "")
	v.SetDefault("auth.token_expire_hours", 24)

	v.SetDefault("tika.server_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")

	v.SetDefault("llm.timeout", 60*time.Second)
}

// Load 读取配置文件并返回解析后的配置。配置文件不存在时只使用默认值和环境变量。
// 环境变量使用 PKM_ 前缀，例如 PKM_DATABASE_DSN。
func Load(configPath string) (*Config, error) {
	// .env 文件可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PKM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Init 初始化全局配置 Conf，失败时直接 panic。
func Init(configPath string) {
	c, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *c
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	switch c.Storage.Driver {
	case "fs", "minio", "s3":
	default:
		return fmt.Errorf("不支持的存储后端: %q", c.Storage.Driver)
	}
	if c.Jobs.FailureThreshold < 0 || c.Jobs.FailureThreshold > 1 {
		return fmt.Errorf("jobs.failure_threshold 必须在 [0,1] 之间, got %v", c.Jobs.FailureThreshold)
	}
	if c.Graph.StrengthIncrement <= 0 || c.Graph.InitialStrength <= 0 || c.Graph.InitialStrength > 1 {
		return fmt.Errorf("graph strength 配置无效: initial=%v increment=%v", c.Graph.InitialStrength, c.Graph.StrengthIncrement)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errors.New("auth.enabled 需要配置 auth.secret")
	}
	return nil
}
