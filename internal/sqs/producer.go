package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/queue"
)

// maxDelaySeconds is the SQS limit for per-message delay.
const maxDelaySeconds = 900

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient loads AWS configuration for the queue's region.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends jobs to SQS. It implements queue.Queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue sends a job to SQS. Jobs with a NotBefore in the future are
// delayed with DelaySeconds, capped at the SQS maximum; the consumer
// re-delays anything that arrives early.
func (p *Producer) Enqueue(ctx context.Context, job queue.Job) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(job.Delay(p.now())),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("kind", string(job.Kind)),
			zap.String("entity_id", job.EntityID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int32((d + time.Second - 1) / time.Second)
	if secs > maxDelaySeconds {
		return maxDelaySeconds
	}
	return secs
}
