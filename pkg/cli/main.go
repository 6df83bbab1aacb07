package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/findings-scheduler/pkg/config"
	"github.com/nimburion/findings-scheduler/pkg/health"
	"github.com/nimburion/findings-scheduler/pkg/lockstore"
	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/scheduler"
	"github.com/nimburion/findings-scheduler/pkg/server"
	"github.com/nimburion/findings-scheduler/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command is expected to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyRun       CommandPolicy = "run"
	PolicyManual    CommandPolicy = "manual"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// LockStoreFactory opens only the lock store, for the `locks` commands.
type LockStoreFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (lockstore.Store, error)

// ServiceCommandOptions defines the scheduler command tree.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: overrides component wiring (tests, custom adapters).
	Components ComponentsFactory
	// Optional: overrides lock store wiring for the locks commands.
	LockStore LockStoreFactory
	// Optional: starts the Lambda runtime. Defaults to lambda.Start.
	StartLambda func(handler any)
	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

func (o *ServiceCommandOptions) normalize() {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "findings-scheduler"
	}
	if strings.TrimSpace(o.EnvPrefix) == "" {
		o.EnvPrefix = config.DefaultEnvPrefix
	}
	if o.Components == nil {
		o.Components = BuildComponents
	}
	if o.LockStore == nil {
		o.LockStore = newLockStore
	}
	if o.StartLambda == nil {
		o.StartLambda = lambda.Start
	}
}

// NewServiceCommand creates the scheduler CLI with run, serve, lambda,
// healthcheck, locks, version and config subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	opts.normalize()

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		cfg, _, log, err := LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, cmd.Flags(), opts.Name, serviceNameOverride, cmd.ErrOrStderr())
		return cfg, log, err
	}
	buildComponents := func(cmd *cobra.Command) (*Components, error) {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		log.Info("starting", version.Current(cfg.Service.Name).LogFields()...)
		return opts.Components(cmd.Context(), cfg, log)
	}

	// version command
	var versionOutput string
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := resolveServiceNameValue("", opts.Name, serviceNameOverride)
			info := version.Current(name)
			if versionOutput == "json" {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	versionCmd.Flags().StringVarP(&versionOutput, "output", "o", "text", "output format: text or json")
	SetCommandPolicies(versionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(versionCmd)

	// run command: exactly one cycle
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scheduling cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			defer closeComponents(components)

			report, runErr := components.Cycle.Run(cmd.Context())
			if report != nil {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	rootCmd.AddCommand(runCmd)

	// serve command: periodic runtime plus optional management server
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on the configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			defer closeComponents(components)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, components)
		},
	}
	SetCommandPolicies(serveCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	rootCmd.AddCommand(serveCmd)

	// lambda command: one cycle per invocation
	lambdaCmd := &cobra.Command{
		Use:   "lambda",
		Short: "Start the AWS Lambda runtime; each invocation runs one cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			opts.StartLambda(NewLambdaHandler(components.Cycle, components.Tracer, components.Log))
			return nil
		},
	}
	SetCommandPolicies(lambdaCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	rootCmd.AddCommand(lambdaCmd)

	// healthcheck command
	var healthOutput string
	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock store and the dispatch target",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			defer closeComponents(components)

			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()
			result := components.HealthRegistry().Check(ctx)
			if err := writeHealth(cmd.OutOrStdout(), healthOutput, result); err != nil {
				return err
			}
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("healthcheck failed: status %s", result.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().StringVarP(&healthOutput, "output", "o", "text", "output format: text or json")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 15*time.Second, "overall healthcheck timeout")
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(healthCmd)

	// locks command
	openStore := func(cmd *cobra.Command) (*config.Config, lockstore.Store, logger.Logger, error) {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := opts.LockStore(cmd.Context(), cfg, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create lock store: %w", err)
		}
		return cfg, store, log, nil
	}
	rootCmd.AddCommand(newLocksCommand(openStore))

	// config command with subcommands
	rootCmd.AddCommand(newConfigCommand(opts, &cfgPath, &secretFilePath, &serviceNameOverride))

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}

	return rootCmd
}

// serve runs the periodic runtime and, when enabled, the management server
// until ctx is cancelled or one of them fails.
func serve(ctx context.Context, c *Components) error {
	runtime, err := scheduler.NewRuntime(c.Cycle, c.Log, scheduler.RuntimeConfig{
		Schedule:   c.Config.Schedule.Expression,
		RunOnStart: c.Config.Schedule.RunOnStart,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Start(gctx)
	})

	mgmt := c.Config.Management
	if mgmt.Enabled {
		srv := server.NewManagementServer(server.ManagementConfig{
			Port:               mgmt.Port,
			ReadTimeout:        mgmt.ReadTimeout,
			WriteTimeout:       mgmt.WriteTimeout,
			ShutdownTimeout:    mgmt.ShutdownTimeout,
			ServiceName:        c.Config.Service.Name,
			DisableCompression: !mgmt.Compression,
		}, c.Log, c.HealthRegistry(), nil)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	c.Log.Info("scheduler stopped")
	return nil
}

func newConfigCommand(opts ServiceCommandOptions, cfgPath, secretFilePath, serviceNameOverride *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfigWithSecrets(*cfgPath, opts.EnvPrefix, *secretFilePath, cmd.Flags(), opts.Name, *serviceNameOverride); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := loadConfigWithSecrets(*cfgPath, opts.EnvPrefix, *secretFilePath, cmd.Flags(), opts.Name, *serviceNameOverride)
			if err != nil {
				return err
			}
			if showSecrets {
				fmt.Fprint(cmd.OutOrStdout(), cfg.Plain())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted(secrets))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	return configCmd
}

// SetCommandPolicies stores policies as a map[string]string on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns policies previously stored with SetCommandPolicies.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads configuration (flags > ENV > secrets file > file >
// defaults) and builds the zap logger writing to logOutput.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	flags *pflag.FlagSet,
	defaultServiceName string,
	serviceNameOverride string,
	logOutput io.Writer,
) (*config.Config, *config.Config, logger.Logger, error) {
	cfg, secrets, err := loadConfigWithSecrets(cfgPath, envPrefix, secretFilePath, flags, defaultServiceName, serviceNameOverride)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: logOutput,
		Fields: map[string]string{
			"service":     cfg.Service.Name,
			"environment": cfg.Service.Environment,
		},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg, secrets)
	return cfg, secrets, log, nil
}

func loadConfigWithSecrets(cfgPath, envPrefix, secretFilePath string, flags *pflag.FlagSet, defaultServiceName, serviceNameOverride string) (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
	return cfg, secrets, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func closeComponents(c *Components) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		c.Log.Warn("failed to release resources", "error", err)
	}
}

func logConfigIfDebug(log logger.Logger, cfg, secrets *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted(secrets))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "findings-scheduler"
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func writeHealth(w io.Writer, format string, result health.AggregatedResult) error {
	if format == "json" {
		return writeJSON(w, result)
	}
	for _, check := range result.Checks {
		line := fmt.Sprintf("%-28s %-10s", check.Name, check.Status)
		switch {
		case check.Error != "":
			line += " " + check.Error
		case check.Message != "":
			line += " " + check.Message
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	fmt.Fprintf(w, "overall: %s\n", result.Status)
	return nil
}
