package sqs

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/queue"
)

// Processor runs one job. queue.Runner satisfies it.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// Consumer long-polls SQS and hands each job to a Processor.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger

	batchSize  int32
	visibility time.Duration
	heartbeat  time.Duration
	now        func() time.Time
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		logger:    logger,
		batchSize:  10,
		visibility: 60 * time.Second,
		heartbeat:  20 * time.Second,
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, proc Processor) error {
	c.logger.Info("sqs consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sqs consumer stopped")
			return nil
		default:
		}

		if err := c.poll(ctx, proc); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context, proc Processor) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   int32(c.visibility / time.Second),
	})
	if err != nil {
		return err
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range result.Messages {
		c.handle(ctx, proc, msg)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, proc Processor, msg types.Message) {
	receipt := aws.ToString(msg.ReceiptHandle)

	job, err := queue.Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// unparseable bodies would redeliver forever
		c.logger.Error("dropping invalid message", zap.Error(err), zap.String("message_id", aws.ToString(msg.MessageId)))
		c.delete(ctx, receipt)
		return
	}

	// DelaySeconds caps at 15 minutes; hide early arrivals until due.
	if d := job.Delay(c.now()); d > 0 {
		if err := c.changeVisibility(ctx, receipt, delaySeconds(d)); err != nil {
			c.logger.Warn("failed to postpone early message", zap.Error(err))
		}
		return
	}

	// Messages later in the batch have been waiting on earlier ones, so each
	// gets a fresh window before its job starts and keeps it while it runs.
	if err := c.changeVisibility(ctx, receipt, int32(c.visibility/time.Second)); err != nil {
		c.logger.Warn("failed to extend message visibility", zap.Error(err))
	}
	stop := c.keepVisible(ctx, receipt)
	err = proc.Process(ctx, job)
	stop()

	if err != nil {
		// left on the queue; SQS redelivers after the visibility timeout
		c.logger.Warn("job not acknowledged", zap.Error(err), zap.String("kind", string(job.Kind)))
		return
	}

	c.delete(ctx, receipt)
}

// keepVisible extends the message's visibility every heartbeat until the
// returned stop func is called.
func (c *Consumer) keepVisible(ctx context.Context, receipt string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.changeVisibility(ctx, receipt, int32(c.visibility/time.Second)); err != nil {
					c.logger.Warn("visibility heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func (c *Consumer) delete(ctx context.Context, receipt string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, receipt string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: seconds,
	})
	return err
}
