package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/findings-scheduler/pkg/config"
	"github.com/nimburion/findings-scheduler/pkg/directory"
	"github.com/nimburion/findings-scheduler/pkg/dispatch"
	"github.com/nimburion/findings-scheduler/pkg/health"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/observability/tracing"
	"github.com/nimburion/findings-scheduler/pkg/scheduler"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
	"github.com/nimburion/findings-scheduler/pkg/version"
)

// Components is the wired scheduler built from configuration.
type Components struct {
	Config     *config.Config
	Log        logger.Logger
	Tracer     *tracing.TracerProvider
	Directory  directory.Directory
	Store      lockstore.Store
	Target     dispatch.Target
	Dispatcher *dispatch.Dispatcher
	Reconciler *scheduler.Reconciler
	Builder    *scheduler.TaskBuilder
	Cycle      *scheduler.Cycle
}

// ComponentsFactory builds Components. Tests swap it for in-memory wiring.
type ComponentsFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (*Components, error)

// BuildComponents wires tracing, directory, lock store, dispatch target and
// cycle from cfg. Anything opened before a failure is closed again.
func BuildComponents(ctx context.Context, cfg *config.Config, log logger.Logger) (c *Components, err error) {
	c = &Components{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	c.Tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return c, fmt.Errorf("create tracer provider: %w", err)
	}

	if c.Directory, err = newDirectory(ctx, cfg, log); err != nil {
		return c, fmt.Errorf("create directory: %w", err)
	}
	if c.Store, err = newLockStore(ctx, cfg, log); err != nil {
		return c, fmt.Errorf("create lock store: %w", err)
	}
	if c.Target, err = newDispatchTarget(ctx, cfg, log); err != nil {
		return c, fmt.Errorf("create dispatch target: %w", err)
	}
	return c, c.assemble()
}

// NewComponents wires a cycle around already constructed adapters.
func NewComponents(cfg *config.Config, log logger.Logger, dir directory.Directory, store lockstore.Store, target dispatch.Target) (*Components, error) {
	c := &Components{Config: cfg, Log: log, Directory: dir, Store: store, Target: target}
	if err := c.assemble(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Components) assemble() error {
	cfg := c.Config
	dispatcher, err := dispatch.NewDispatcher(c.Target, c.Log, dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		InvokeTimeout: cfg.Dispatch.InvokeTimeout,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher

	clock := timewindow.SystemClock{}
	c.Reconciler = scheduler.NewReconciler(clock, scheduler.ReconcilerConfig{
		StaleLockThresholdDays: cfg.Window.StaleLockThresholdDays,
	})
	c.Builder = scheduler.NewTaskBuilder(clock, scheduler.TaskBuilderConfig{
		WindowOffset: cfg.Window.Offset(),
	})

	cycle, err := scheduler.NewCycle(scheduler.CycleDependencies{
		Directory:  c.Directory,
		Store:      c.Store,
		Dispatcher: c.Dispatcher,
		Reconciler: c.Reconciler,
		Builder:    c.Builder,
	}, c.Log)
	if err != nil {
		return fmt.Errorf("create cycle: %w", err)
	}
	c.Cycle = cycle
	return nil
}

// HealthRegistry returns the checks exposed by `healthcheck` and /ready.
func (c *Components) HealthRegistry() *health.Registry {
	timeout := c.Config.LockStore.OperationTimeout
	registry := health.NewRegistry(
		health.NewPingChecker("scheduler"),
		scheduler.NewLockStoreHealthChecker("", c.Store, timeout),
		scheduler.NewTargetHealthChecker("", c.Target, c.Config.Dispatch.InvokeTimeout),
	)
	if lister, ok := c.Store.(lockstore.Lister); ok {
		registry.Register(scheduler.NewStaleLockChecker(lister, c.Reconciler))
	}
	return registry
}

// Close releases the target, the store and the tracer provider.
func (c *Components) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Target != nil {
		if err := c.Target.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatch target: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock store: %w", err))
		}
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newDirectory(ctx context.Context, cfg *config.Config, log logger.Logger) (directory.Directory, error) {
	switch cfg.Directory.Type {
	case config.DirectoryTypeStatic:
		return directory.NewStaticDirectory(cfg.Directory.Region, cfg.Directory.Providers)
	case config.DirectoryTypeSecurityHub:
		return directory.NewSecurityHubDirectory(ctx, directory.SecurityHubConfig{
			Region:          cfg.Directory.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
			PageSize:        int32(cfg.Directory.PageSize),
			CacheSize:       cfg.Directory.CacheSize,
			Workers:         cfg.Directory.Workers,
			UnresolvedTTL:   cfg.Directory.UnresolvedTTL,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported directory type %q", cfg.Directory.Type)
	}
}

func newLockStore(ctx context.Context, cfg *config.Config, log logger.Logger) (lockstore.Store, error) {
	ls := cfg.LockStore
	switch ls.Type {
	case config.LockStoreTypeDynamoDB:
		return lockstore.NewDynamoStore(ctx, lockstore.DynamoConfig{
			Region:           cfg.AWS.Region,
			Endpoint:         cfg.AWS.Endpoint,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			SessionToken:     cfg.AWS.SessionToken,
			Table:            ls.Table,
			ConsistentRead:   ls.ConsistentRead,
			OperationTimeout: ls.OperationTimeout,
		}, log)
	case config.LockStoreTypeRedis:
		return lockstore.NewRedisStore(lockstore.RedisConfig{
			URL:              ls.URL,
			Prefix:           ls.Prefix,
			OperationTimeout: ls.OperationTimeout,
		}, log)
	case config.LockStoreTypePostgres:
		return lockstore.NewPostgresStore(lockstore.PostgresConfig{
			URL:              ls.URL,
			Table:            ls.Table,
			OperationTimeout: ls.OperationTimeout,
		}, log)
	case config.LockStoreTypeMemory:
		log.Warn("using in-memory lock store; rows are lost on exit")
		return lockstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported lock store type %q", ls.Type)
	}
}

func newDispatchTarget(ctx context.Context, cfg *config.Config, log logger.Logger) (dispatch.Target, error) {
	d := cfg.Dispatch
	awsCfg := dispatch.AWSConfig{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
	}
	switch d.Target {
	case config.DispatchTargetLambda:
		return dispatch.NewLambdaTarget(ctx, dispatch.LambdaConfig{AWS: awsCfg, FunctionName: d.FunctionName}, log)
	case config.DispatchTargetSQS:
		return dispatch.NewSQSTarget(ctx, dispatch.SQSConfig{AWS: awsCfg, QueueURL: d.QueueURL}, log)
	case config.DispatchTargetKafka:
		return dispatch.NewKafkaTarget(dispatch.KafkaConfig{
			Brokers:          d.Brokers,
			Topic:            d.Topic,
			OperationTimeout: d.InvokeTimeout,
		}, log)
	case config.DispatchTargetRabbitMQ:
		return dispatch.NewRabbitMQTarget(dispatch.RabbitMQConfig{
			URL:              d.URL,
			Exchange:         d.Exchange,
			RoutingKey:       d.RoutingKey,
			OperationTimeout: d.InvokeTimeout,
		}, log)
	case config.DispatchTargetLog:
		return dispatch.NewLogTarget(log), nil
	default:
		return nil, fmt.Errorf("unsupported dispatch target %q", d.Target)
	}
}
