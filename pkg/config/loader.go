package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to FINDINGS)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds command-line flags whose names match config keys, such as
// --dispatch.target or --lock-store.type. Changed flags win over env and file.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path of the configuration file, or "" when none was given.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		loaded, err := l.mergeSecrets(v)
		if err != nil {
			return nil, nil, err
		}
		secrets = loaded
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs.
// Unprefixed names listed after the prefixed one are the names used by the
// original deployment and are only read when the prefixed variable is absent.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// AWS
	v.BindEnv("aws.region", l.prefixedEnv("AWS_REGION"), "AWS_REGION")
	v.BindEnv("aws.endpoint", l.prefixedEnv("AWS_ENDPOINT"), "AWS_ENDPOINT_URL")
	v.BindEnv("aws.access_key_id", l.prefixedEnv("AWS_ACCESS_KEY_ID"))
	v.BindEnv("aws.secret_access_key", l.prefixedEnv("AWS_SECRET_ACCESS_KEY"))
	v.BindEnv("aws.session_token", l.prefixedEnv("AWS_SESSION_TOKEN"))

	// Directory
	v.BindEnv("directory.type", l.prefixedEnv("DIRECTORY_TYPE"))
	v.BindEnv("directory.region", l.prefixedEnv("DIRECTORY_REGION"), "REGION")
	v.BindEnv("directory.providers", l.prefixedEnv("DIRECTORY_PROVIDERS"))
	v.BindEnv("directory.page_size", l.prefixedEnv("DIRECTORY_PAGE_SIZE"))
	v.BindEnv("directory.cache_size", l.prefixedEnv("DIRECTORY_CACHE_SIZE"))
	v.BindEnv("directory.workers", l.prefixedEnv("DIRECTORY_WORKERS"))
	v.BindEnv("directory.unresolved_ttl", l.prefixedEnv("DIRECTORY_UNRESOLVED_TTL"))

	// Lock store
	v.BindEnv("lock_store.type", l.prefixedEnv("LOCK_STORE_TYPE"))
	v.BindEnv("lock_store.table", l.prefixedEnv("LOCK_STORE_TABLE"), "LOCK_TABLE")
	v.BindEnv("lock_store.url", l.prefixedEnv("LOCK_STORE_URL"))
	v.BindEnv("lock_store.prefix", l.prefixedEnv("LOCK_STORE_PREFIX"))
	v.BindEnv("lock_store.operation_timeout", l.prefixedEnv("LOCK_STORE_OPERATION_TIMEOUT"))
	v.BindEnv("lock_store.consistent_read", l.prefixedEnv("LOCK_STORE_CONSISTENT_READ"))

	// Dispatch
	v.BindEnv("dispatch.target", l.prefixedEnv("DISPATCH_TARGET"))
	v.BindEnv("dispatch.function_name", l.prefixedEnv("DISPATCH_FUNCTION_NAME"), "SecurityHubProcessorFnName")
	v.BindEnv("dispatch.queue_url", l.prefixedEnv("DISPATCH_QUEUE_URL"))
	v.BindEnv("dispatch.brokers", l.prefixedEnv("DISPATCH_BROKERS"))
	v.BindEnv("dispatch.topic", l.prefixedEnv("DISPATCH_TOPIC"))
	v.BindEnv("dispatch.url", l.prefixedEnv("DISPATCH_URL"))
	v.BindEnv("dispatch.exchange", l.prefixedEnv("DISPATCH_EXCHANGE"))
	v.BindEnv("dispatch.routing_key", l.prefixedEnv("DISPATCH_ROUTING_KEY"))
	v.BindEnv("dispatch.workers", l.prefixedEnv("DISPATCH_WORKERS"), l.prefixedEnv("WORKERS"))
	v.BindEnv("dispatch.rate_per_second", l.prefixedEnv("DISPATCH_RATE_PER_SECOND"))
	v.BindEnv("dispatch.invoke_timeout", l.prefixedEnv("DISPATCH_INVOKE_TIMEOUT"))

	// Window
	v.BindEnv("window.offset_minutes", l.prefixedEnv("WINDOW_OFFSET_MINUTES"))
	v.BindEnv("window.stale_lock_threshold_days", l.prefixedEnv("WINDOW_STALE_LOCK_THRESHOLD_DAYS"), l.prefixedEnv("STALE_LOCK_THRESHOLD_DAYS"))

	// Schedule
	v.BindEnv("schedule.expression", l.prefixedEnv("SCHEDULE_EXPRESSION"), l.prefixedEnv("SCHEDULE"))
	v.BindEnv("schedule.run_on_start", l.prefixedEnv("SCHEDULE_RUN_ON_START"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"), l.prefixedEnv("MANAGEMENT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"), l.prefixedEnv("MANAGEMENT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
	v.BindEnv("management.shutdown_timeout", l.prefixedEnv("MGMT_SHUTDOWN_TIMEOUT"))
	v.BindEnv("management.compression", l.prefixedEnv("MGMT_COMPRESSION"))

	// Observability
	v.BindEnv("observability.service_name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
}

// bindFlags binds every flag whose name, with dashes read as underscores,
// is a known config key.
func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	known := make(map[string]struct{})
	for _, key := range v.AllKeys() {
		known[key] = struct{}{}
	}

	var errs []error
	l.flags.VisitAll(func(flag *pflag.Flag) {
		key := strings.ReplaceAll(strings.ToLower(flag.Name), "-", "_")
		if _, ok := known[key]; !ok {
			return
		}
		if err := v.BindPFlag(key, flag); err != nil {
			errs = append(errs, fmt.Errorf("bind flag --%s: %w", flag.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("aws.region", cfg.AWS.Region)
	v.SetDefault("aws.endpoint", cfg.AWS.Endpoint)
	v.SetDefault("aws.access_key_id", cfg.AWS.AccessKeyID)
	v.SetDefault("aws.secret_access_key", cfg.AWS.SecretAccessKey)
	v.SetDefault("aws.session_token", cfg.AWS.SessionToken)

	v.SetDefault("directory.type", cfg.Directory.Type)
	v.SetDefault("directory.region", cfg.Directory.Region)
	v.SetDefault("directory.providers", cfg.Directory.Providers)
	v.SetDefault("directory.page_size", cfg.Directory.PageSize)
	v.SetDefault("directory.cache_size", cfg.Directory.CacheSize)
	v.SetDefault("directory.workers", cfg.Directory.Workers)
	v.SetDefault("directory.unresolved_ttl", cfg.Directory.UnresolvedTTL)

	v.SetDefault("lock_store.type", cfg.LockStore.Type)
	v.SetDefault("lock_store.table", cfg.LockStore.Table)
	v.SetDefault("lock_store.url", cfg.LockStore.URL)
	v.SetDefault("lock_store.prefix", cfg.LockStore.Prefix)
	v.SetDefault("lock_store.operation_timeout", cfg.LockStore.OperationTimeout)
	v.SetDefault("lock_store.consistent_read", cfg.LockStore.ConsistentRead)

	v.SetDefault("dispatch.target", cfg.Dispatch.Target)
	v.SetDefault("dispatch.function_name", cfg.Dispatch.FunctionName)
	v.SetDefault("dispatch.queue_url", cfg.Dispatch.QueueURL)
	v.SetDefault("dispatch.brokers", cfg.Dispatch.Brokers)
	v.SetDefault("dispatch.topic", cfg.Dispatch.Topic)
	v.SetDefault("dispatch.url", cfg.Dispatch.URL)
	v.SetDefault("dispatch.exchange", cfg.Dispatch.Exchange)
	v.SetDefault("dispatch.routing_key", cfg.Dispatch.RoutingKey)
	v.SetDefault("dispatch.workers", cfg.Dispatch.Workers)
	v.SetDefault("dispatch.rate_per_second", cfg.Dispatch.RatePerSecond)
	v.SetDefault("dispatch.invoke_timeout", cfg.Dispatch.InvokeTimeout)

	v.SetDefault("window.offset_minutes", cfg.Window.OffsetMinutes)
	v.SetDefault("window.stale_lock_threshold_days", cfg.Window.StaleLockThresholdDays)

	v.SetDefault("schedule.expression", cfg.Schedule.Expression)
	v.SetDefault("schedule.run_on_start", cfg.Schedule.RunOnStart)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)
	v.SetDefault("management.compression", cfg.Management.Compression)

	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
}

// Validate normalizes the configuration and returns every problem found
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Directory.Type = strings.ToLower(strings.TrimSpace(cfg.Directory.Type))
	cfg.LockStore.Type = strings.ToLower(strings.TrimSpace(cfg.LockStore.Type))
	cfg.Dispatch.Target = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Target))
	cfg.Directory.Providers = normalizeStringSlice(cfg.Directory.Providers)
	cfg.Dispatch.Brokers = normalizeStringSlice(cfg.Dispatch.Brokers)
	cfg.AWS.Region = strings.TrimSpace(cfg.AWS.Region)
	cfg.Directory.Region = strings.TrimSpace(cfg.Directory.Region)
	if cfg.Directory.Region == "" {
		cfg.Directory.Region = cfg.AWS.Region
	}

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	// Directory
	validDirectoryTypes := []string{DirectoryTypeStatic, DirectoryTypeSecurityHub}
	if !contains(validDirectoryTypes, cfg.Directory.Type) {
		errs = append(errs, fmt.Errorf("invalid directory.type: %s (must be one of: %v)", cfg.Directory.Type, validDirectoryTypes))
	}
	if cfg.Directory.Region == "" {
		errs = append(errs, errors.New("directory.region is required (or aws.region)"))
	}
	if cfg.Directory.PageSize < 1 || cfg.Directory.PageSize > 100 {
		errs = append(errs, fmt.Errorf("directory.page_size must be between 1 and 100, got %d", cfg.Directory.PageSize))
	}
	if cfg.Directory.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("directory.cache_size must be greater than zero, got %d", cfg.Directory.CacheSize))
	}
	if cfg.Directory.Workers < 1 {
		errs = append(errs, fmt.Errorf("directory.workers must be greater than zero, got %d", cfg.Directory.Workers))
	}
	if cfg.Directory.UnresolvedTTL < 0 {
		errs = append(errs, fmt.Errorf("directory.unresolved_ttl must not be negative, got %s", cfg.Directory.UnresolvedTTL))
	}

	// Lock store
	switch cfg.LockStore.Type {
	case LockStoreTypeDynamoDB:
		if strings.TrimSpace(cfg.LockStore.Table) == "" {
			errs = append(errs, errors.New("lock_store.table is required for DynamoDB"))
		}
		if cfg.AWS.Region == "" {
			errs = append(errs, errors.New("aws.region is required for DynamoDB"))
		}
	case LockStoreTypeRedis, LockStoreTypePostgres:
		if strings.TrimSpace(cfg.LockStore.URL) == "" {
			errs = append(errs, fmt.Errorf("lock_store.url is required for %s", cfg.LockStore.Type))
		}
	case LockStoreTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid lock_store.type: %s (must be one of: %v)", cfg.LockStore.Type,
			[]string{LockStoreTypeDynamoDB, LockStoreTypeRedis, LockStoreTypePostgres, LockStoreTypeMemory}))
	}
	if cfg.LockStore.OperationTimeout <= 0 {
		errs = append(errs, errors.New("lock_store.operation_timeout must be greater than zero"))
	}

	// Dispatch
	switch cfg.Dispatch.Target {
	case DispatchTargetLambda:
		if strings.TrimSpace(cfg.Dispatch.FunctionName) == "" {
			errs = append(errs, errors.New("dispatch.function_name is required for Lambda"))
		}
		if cfg.AWS.Region == "" {
			errs = append(errs, errors.New("aws.region is required for Lambda"))
		}
	case DispatchTargetSQS:
		if strings.TrimSpace(cfg.Dispatch.QueueURL) == "" {
			errs = append(errs, errors.New("dispatch.queue_url is required for SQS"))
		}
		if cfg.AWS.Region == "" {
			errs = append(errs, errors.New("aws.region is required for SQS"))
		}
	case DispatchTargetKafka:
		if len(cfg.Dispatch.Brokers) == 0 {
			errs = append(errs, errors.New("dispatch.brokers is required for Kafka"))
		}
		if strings.TrimSpace(cfg.Dispatch.Topic) == "" {
			errs = append(errs, errors.New("dispatch.topic is required for Kafka"))
		}
	case DispatchTargetRabbitMQ:
		if strings.TrimSpace(cfg.Dispatch.URL) == "" {
			errs = append(errs, errors.New("dispatch.url is required for RabbitMQ"))
		}
	case DispatchTargetLog:
	default:
		errs = append(errs, fmt.Errorf("invalid dispatch.target: %s (must be one of: %v)", cfg.Dispatch.Target,
			[]string{DispatchTargetLambda, DispatchTargetSQS, DispatchTargetKafka, DispatchTargetRabbitMQ, DispatchTargetLog}))
	}
	if cfg.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be greater than zero, got %d", cfg.Dispatch.Workers))
	}
	if cfg.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_second must be zero (unlimited) or positive"))
	}
	if cfg.Dispatch.InvokeTimeout < 0 {
		errs = append(errs, errors.New("dispatch.invoke_timeout must not be negative"))
	}

	// Window
	if cfg.Window.OffsetMinutes < 1 {
		errs = append(errs, fmt.Errorf("window.offset_minutes must be greater than zero, got %d", cfg.Window.OffsetMinutes))
	}
	if cfg.Window.StaleLockThresholdDays < 1 {
		errs = append(errs, fmt.Errorf("window.stale_lock_threshold_days must be greater than zero, got %d", cfg.Window.StaleLockThresholdDays))
	}

	// Schedule
	if _, err := cron.ParseStandard(strings.TrimSpace(cfg.Schedule.Expression)); err != nil {
		errs = append(errs, fmt.Errorf("invalid schedule.expression %q: %w", cfg.Schedule.Expression, err))
	}

	// Management
	if cfg.Management.Enabled && (cfg.Management.Port < 1 || cfg.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("management.port must be between 1 and 65535, got %d", cfg.Management.Port))
	}

	// Observability
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", cfg.Observability.TracingSampleRate))
	}
	if cfg.Observability.TracingEnabled && strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

// contains checks if a string slice contains a specific item
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
