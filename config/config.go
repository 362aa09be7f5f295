package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ModeCLI   = "cli"
	ModeKafka = "kafka"
)

type Config struct {
	Env                string            `mapstructure:"env"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type"`
	ServiceName        string            `mapstructure:"service_name"`
	Port               string            `mapstructure:"port"`
	Version            string            `mapstructure:"version"`
	Mode               string            `mapstructure:"mode"`
	SeedURL            string            `mapstructure:"url"`
	Depth              int               `mapstructure:"depth"`
	Verbose            bool              `mapstructure:"verbose"`
	CrawlerSettings    *CrawlerConfig    `mapstructure:"crawler"`
	ExportSettings     *ExportConfig     `mapstructure:"export"`
	WorkerSettings     *WorkerConfig     `mapstructure:"worker"`
	CacheSettings      *CacheConfig      `mapstructure:"cache"`
	DbSettings         *DatabaseConfig   `mapstructure:"database"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka"`
	S3Settings         *S3Config         `mapstructure:"s3"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry"`
	HttpClientSettings *HttpClientConfig `mapstructure:"http_client"`
}

type CrawlerConfig struct {
	CrawlMechanism int            `mapstructure:"crawl_mechanism"`
	Concurrency    int            `mapstructure:"concurrency"`
	MaxPages       int            `mapstructure:"max_pages"`
	UserAgent      string         `mapstructure:"user_agent"`
	PageTimeout    time.Duration  `mapstructure:"page_timeout"`
	Headless       bool           `mapstructure:"headless"`
	WaitEvent      string         `mapstructure:"wait_event"`
	RetryAttempts  int            `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration  `mapstructure:"retry_delay"`
	Archive        *ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	RequestTimeout   int `mapstructure:"request_timeout"`
	Retries          int `mapstructure:"retries"`
	LastCrawlIndexes int `mapstructure:"last_crawl_indexes"`
}

type ExportConfig struct {
	Folder    string `mapstructure:"folder"`
	Prefix    string `mapstructure:"prefix"`
	S3Enabled bool   `mapstructure:"s3_enabled"`
}

type WorkerConfig struct {
	WorkersNum int `mapstructure:"workers_num"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Servers    []string      `mapstructure:"servers"`
	TtlForSeed time.Duration `mapstructure:"ttl_for_seed"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr                []string      `mapstructure:"addr"`
	WriteTopicName      string        `mapstructure:"write_topic_name"`
	DeadLetterTopicName string        `mapstructure:"dlq_topic_name"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RequiredAsks        int           `mapstructure:"required_acks"`
	Async               bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type S3Config struct {
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

func MustLoad() *Config {
	cfg, err := Load(os.Args[1:], path.Join("."))
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from configPath (if present), the environment and the command line, in
// increasing order of precedence.
func Load(args []string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("image-crawler", pflag.ContinueOnError)
	fs.StringP("url", "u", "", "URL to crawl")
	fs.IntP("depth", "d", 0, "crawl depth")
	fs.String("mode", ModeCLI, "run mode: cli or kafka")
	fs.BoolP("verbose", "v", true, "log every crawl event")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetEnvPrefix("image_crawler")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Debug("config file not found. using defaults.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling viper config: %w", err)
	}
	if cfg.Mode != ModeCLI && cfg.Mode != ModeKafka {
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "image-crawler")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")

	v.SetDefault("crawler.crawl_mechanism", 1)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_pages", 1000)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36")
	v.SetDefault("crawler.page_timeout", 60*time.Second)
	v.SetDefault("crawler.headless", true)
	v.SetDefault("crawler.wait_event", "networkIdle")
	v.SetDefault("crawler.retry_attempts", 2)
	v.SetDefault("crawler.retry_delay", 2*time.Second)
	v.SetDefault("crawler.archive.request_timeout", 30)
	v.SetDefault("crawler.archive.retries", 3)
	v.SetDefault("crawler.archive.last_crawl_indexes", 3)

	v.SetDefault("export.folder", "./output")
	v.SetDefault("export.prefix", "crawl")
	v.SetDefault("export.s3_enabled", false)

	v.SetDefault("worker.workers_num", 1)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.servers", []string{"localhost:11211"})
	v.SetDefault("cache.ttl_for_seed", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("kafka.producer.addr", []string{"localhost:9092"})
	v.SetDefault("kafka.producer.write_topic_name", "image-crawler.exports")
	v.SetDefault("kafka.producer.dlq_topic_name", "image-crawler.dlq")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 50)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.consumer.read_topic_name", "image-crawler.tasks")
	v.SetDefault("kafka.consumer.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer.group_id", "image-crawler")
	v.SetDefault("kafka.consumer.max_wait", time.Second)
	v.SetDefault("kafka.consumer.read_batch_timeout", 10*time.Second)
	v.SetDefault("kafka.consumer.queue_capacity", 100)
	v.SetDefault("kafka.consumer.max_bytes", 10_000_000)
	v.SetDefault("kafka.consumer.commit_interval", time.Second)

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.key_prefix", "image-crawler")

	v.SetDefault("telemetry.enabled", false)

	v.SetDefault("http_client.request_timeout", 30*time.Second)
	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.max_connections_per_host", 10)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 30*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)
}
