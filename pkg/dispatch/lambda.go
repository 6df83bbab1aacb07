package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

// lambdaAPI is the subset of *lambda.Client used by LambdaTarget.
type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
}

// LambdaConfig configures asynchronous Lambda invocations.
type LambdaConfig struct {
	AWS          AWSConfig
	FunctionName string
}

// LambdaTarget invokes the processor function with InvocationType=Event.
// Lambda answers 202 once the event is queued.
type LambdaTarget struct {
	client lambdaAPI
	log    logger.Logger
	config LambdaConfig

	mu     sync.RWMutex
	closed bool
}

func NewLambdaTarget(ctx context.Context, cfg LambdaConfig, log logger.Logger) (*LambdaTarget, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	var opts []func(*lambda.Options)
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, func(o *lambda.Options) {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		})
	}
	target, err := newLambdaTargetWithClient(lambda.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("lambda dispatch target initialized", "region", cfg.AWS.Region, "function", cfg.FunctionName)
	return target, nil
}

func newLambdaTargetWithClient(client lambdaAPI, cfg LambdaConfig, log logger.Logger) (*LambdaTarget, error) {
	if client == nil {
		return nil, dispatchError(ErrInvalidArgument, "lambda client is required")
	}
	if log == nil {
		return nil, dispatchError(ErrInvalidArgument, "logger is required")
	}
	cfg.FunctionName = strings.TrimSpace(cfg.FunctionName)
	if cfg.FunctionName == "" {
		return nil, dispatchError(ErrInvalidArgument, "lambda function name is required")
	}
	return &LambdaTarget{client: client, log: log, config: cfg}, nil
}

func (t *LambdaTarget) Name() string { return "lambda" }

func (t *LambdaTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return Ack{}, dispatchError(ErrClosed, "lambda target")
	}

	out, err := t.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(t.config.FunctionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        request.Payload,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("invoke %s for %s: %w", t.config.FunctionName, request.ProviderID, err)
	}

	ack := Ack{StatusCode: int(out.StatusCode)}
	if requestID, ok := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata); ok {
		ack.RequestID = requestID
	}
	if out.FunctionError != nil {
		return ack, dispatchError(ErrRejected, fmt.Sprintf("function error %s", aws.ToString(out.FunctionError)))
	}
	if ack.StatusCode < 200 || ack.StatusCode >= 300 {
		return ack, dispatchError(ErrRejected, fmt.Sprintf("lambda status %d", ack.StatusCode))
	}
	return ack, nil
}

// HealthCheck reads the function configuration.
func (t *LambdaTarget) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := t.client.GetFunctionConfiguration(hcCtx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(t.config.FunctionName),
	}); err != nil {
		return fmt.Errorf("lambda health check failed: %w", err)
	}
	return nil
}

func (t *LambdaTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
