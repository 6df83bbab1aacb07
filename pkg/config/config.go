package config

import "time"

// Directory type constants
const (
	// DirectoryTypeStatic lists the fixed provider set templated by region
	DirectoryTypeStatic = "static"
	// DirectoryTypeSecurityHub lists the products enabled for import in Security Hub
	DirectoryTypeSecurityHub = "securityhub"
)

// Lock store type constants
const (
	// LockStoreTypeDynamoDB represents AWS DynamoDB
	LockStoreTypeDynamoDB = "dynamodb"
	// LockStoreTypeRedis represents Redis hashes
	LockStoreTypeRedis = "redis"
	// LockStoreTypePostgres represents a PostgreSQL table
	LockStoreTypePostgres = "postgres"
	// LockStoreTypeMemory keeps rows in process memory
	LockStoreTypeMemory = "memory"
)

// Dispatch target constants
const (
	// DispatchTargetLambda invokes the processor function asynchronously
	DispatchTargetLambda = "lambda"
	// DispatchTargetSQS enqueues tasks on an SQS queue
	DispatchTargetSQS = "sqs"
	// DispatchTargetKafka publishes tasks to a Kafka topic
	DispatchTargetKafka = "kafka"
	// DispatchTargetRabbitMQ publishes tasks to a RabbitMQ exchange
	DispatchTargetRabbitMQ = "rabbitmq"
	// DispatchTargetLog only logs tasks
	DispatchTargetLog = "log"
)

// DefaultEnvPrefix is the prefix of every prefixed environment variable.
const DefaultEnvPrefix = "FINDINGS"

// Config is the root configuration of the findings scheduler
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	AWS           AWSConfig           `mapstructure:"aws" yaml:"aws"`
	Directory     DirectoryConfig     `mapstructure:"directory" yaml:"directory"`
	LockStore     LockStoreConfig     `mapstructure:"lock_store" yaml:"lock_store"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch" yaml:"dispatch"`
	Window        WindowConfig        `mapstructure:"window" yaml:"window"`
	Schedule      ScheduleConfig      `mapstructure:"schedule" yaml:"schedule"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// AWSConfig holds the region and credentials shared by every AWS client.
// Empty credentials fall back to the default AWS credential chain.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key" redact:"true"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token" redact:"true"`
}

// DirectoryConfig selects where active providers come from.
type DirectoryConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // static, securityhub
	// Region is the Security Hub region. It defaults to aws.region.
	Region    string   `mapstructure:"region" yaml:"region"`
	Providers []string `mapstructure:"providers" yaml:"providers"`
	PageSize  int      `mapstructure:"page_size" yaml:"page_size"`
	CacheSize int      `mapstructure:"cache_size" yaml:"cache_size"`
	Workers   int      `mapstructure:"workers" yaml:"workers"`
	// UnresolvedTTL is how long an unknown subscription is remembered before
	// the product catalog is reloaded for it again.
	UnresolvedTTL time.Duration `mapstructure:"unresolved_ttl" yaml:"unresolved_ttl"`
}

// LockStoreConfig configures the lock row backend.
type LockStoreConfig struct {
	Type             string        `mapstructure:"type" yaml:"type"` // dynamodb, redis, postgres, memory
	Table            string        `mapstructure:"table" yaml:"table"`
	URL              string        `mapstructure:"url" yaml:"url" redact:"true"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	ConsistentRead   bool          `mapstructure:"consistent_read" yaml:"consistent_read"`
}

// DispatchConfig configures the dispatch target and the dispatch pool.
type DispatchConfig struct {
	Target        string        `mapstructure:"target" yaml:"target"` // lambda, sqs, kafka, rabbitmq, log
	FunctionName  string        `mapstructure:"function_name" yaml:"function_name"`
	QueueURL      string        `mapstructure:"queue_url" yaml:"queue_url"`
	Brokers       []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic         string        `mapstructure:"topic" yaml:"topic"`
	URL           string        `mapstructure:"url" yaml:"url" redact:"true"`
	Exchange      string        `mapstructure:"exchange" yaml:"exchange"`
	RoutingKey    string        `mapstructure:"routing_key" yaml:"routing_key"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout" yaml:"invoke_timeout"`
}

// WindowConfig tunes task windows and stale-lock detection.
type WindowConfig struct {
	OffsetMinutes          int `mapstructure:"offset_minutes" yaml:"offset_minutes"`
	StaleLockThresholdDays int `mapstructure:"stale_lock_threshold_days" yaml:"stale_lock_threshold_days"`
}

// Offset returns the window offset as a duration.
func (w WindowConfig) Offset() time.Duration {
	return time.Duration(w.OffsetMinutes) * time.Minute
}

// ScheduleConfig configures the in-process periodic runtime used by `serve`.
type ScheduleConfig struct {
	Expression string `mapstructure:"expression" yaml:"expression"`
	RunOnStart bool   `mapstructure:"run_on_start" yaml:"run_on_start"`
}

// ManagementConfig configures the management server
type ManagementConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Compression     bool          `mapstructure:"compression" yaml:"compression"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	ServiceName       string  `mapstructure:"service_name" yaml:"service_name"`
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "findings-scheduler",
			Environment: "production",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Directory: DirectoryConfig{
			Type:          DirectoryTypeStatic,
			PageSize:      100,
			CacheSize:     512,
			Workers:       5,
			UnresolvedTTL: 15 * time.Minute,
		},
		LockStore: LockStoreConfig{
			Type:             LockStoreTypeDynamoDB,
			Table:            "SecurityHubFindingsLocks",
			Prefix:           "findings-scheduler:lock",
			OperationTimeout: 3 * time.Second,
			ConsistentRead:   true,
		},
		Dispatch: DispatchConfig{
			Target:        DispatchTargetLambda,
			FunctionName:  "SecurityHubFindingsProcessor",
			Topic:         "findings.process",
			Exchange:      "findings",
			RoutingKey:    "findings.process",
			Workers:       5,
			InvokeTimeout: 30 * time.Second,
		},
		Window: WindowConfig{
			OffsetMinutes:          5,
			StaleLockThresholdDays: 1,
		},
		Schedule: ScheduleConfig{
			Expression: "@every 5m",
		},
		Management: ManagementConfig{
			Enabled:         false,
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Compression:     true,
		},
		Observability: ObservabilityConfig{
			ServiceName:       "findings-scheduler",
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
		},
	}
}
