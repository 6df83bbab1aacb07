package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig configures the queue target.
type SQSConfig struct {
	AWS      AWSConfig
	QueueURL string
}

// SQSTarget enqueues one message per task. On FIFO queues the provider id is
// the message group, so a provider's tasks are consumed in order.
type SQSTarget struct {
	client sqsAPI
	log    logger.Logger
	config SQSConfig
	fifo   bool

	mu     sync.RWMutex
	closed bool
}

func NewSQSTarget(ctx context.Context, cfg SQSConfig, log logger.Logger) (*SQSTarget, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	var opts []func(*sqs.Options)
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		})
	}
	target, err := newSQSTargetWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("sqs dispatch target initialized", "region", cfg.AWS.Region, "queue_url", cfg.QueueURL)
	return target, nil
}

func newSQSTargetWithClient(client sqsAPI, cfg SQSConfig, log logger.Logger) (*SQSTarget, error) {
	if client == nil {
		return nil, dispatchError(ErrInvalidArgument, "sqs client is required")
	}
	if log == nil {
		return nil, dispatchError(ErrInvalidArgument, "logger is required")
	}
	cfg.QueueURL = strings.TrimSpace(cfg.QueueURL)
	if cfg.QueueURL == "" {
		return nil, dispatchError(ErrInvalidArgument, "sqs queue URL is required")
	}
	return &SQSTarget{
		client: client,
		log:    log,
		config: cfg,
		fifo:   strings.HasSuffix(cfg.QueueURL, ".fifo"),
	}, nil
}

func (t *SQSTarget) Name() string { return "sqs" }

func (t *SQSTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return Ack{}, dispatchError(ErrClosed, "sqs target")
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.config.QueueURL),
		MessageBody: aws.String(string(request.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"provider_id": {DataType: aws.String("String"), StringValue: aws.String(request.ProviderID)},
		},
	}
	if t.fifo {
		input.MessageGroupId = aws.String(request.ProviderID)
		input.MessageDeduplicationId = aws.String(deduplicationID(request))
	}

	out, err := t.client.SendMessage(ctx, input)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to enqueue task for %s: %w", request.ProviderID, err)
	}
	return Ack{StatusCode: 200, RequestID: aws.ToString(out.MessageId)}, nil
}

func (t *SQSTarget) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := t.client.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(t.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

func (t *SQSTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// deduplicationID is stable for a given provider window, so a re-sent task is dropped by SQS.
func deduplicationID(request Request) string {
	id := request.ProviderID + "|" + timewindow.Format(request.Start)
	if len(id) <= 128 {
		return id
	}
	return id[len(id)-128:]
}
