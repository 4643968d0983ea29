// Package sns publishes operations notices (change requests, delivery
// problems) to an SNS topic for fan-out to the admin team.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Event names a kind of admin notice.
type Event string

const (
	EventCancelRequest       Event = "cancel_request"
	EventReallocationRequest Event = "reallocation_request"
)

// API is the subset of the SNS client used by Publisher.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing
type Publisher struct {
	client   API
	topicARN string
}

// Notice is the JSON document published for subscribers that parse the
// message instead of reading the text.
type Notice struct {
	Event      Event             `json:"event"`
	Subject    string            `json:"subject"`
	Text       string            `json:"text"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

// Publish sends a notice to the topic. The event is also set as a message
// attribute so subscriptions can filter on it.
func (p *Publisher) Publish(ctx context.Context, n Notice) (string, error) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notice: %w", err)
	}

	subject := n.Subject
	// SNS rejects subjects over 100 characters.
	if len(subject) > 100 {
		subject = subject[:100]
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Event)),
			},
		},
	}
	if subject != "" {
		input.Subject = aws.String(subject)
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
