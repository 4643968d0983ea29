package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
)

// SESAPI is the subset of the SES client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

// NewSESSenderWithClient builds a sender around an existing client.
func NewSESSenderWithClient(client SESAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

// SendEmail sends a plain-text email via AWS SES
func (s *SESSender) SendEmail(ctx context.Context, msg Email) Outcome {
	if strings.TrimSpace(msg.To) == "" {
		return s.record(InvalidRequest("no recipient email"))
	}
	if msg.Subject == "" || msg.Body == "" {
		return s.record(InvalidRequest("email subject and body are required"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		out := classifySESError(err)
		s.logger.Warn("ses send failed",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.String("outcome", out.Kind.String()),
			zap.Error(err),
		)
		return s.record(out)
	}

	id := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id),
	)
	return s.record(Succeeded(id))
}

func (s *SESSender) record(out Outcome) Outcome {
	metrics.RecordChannelSend("email", out.Kind.String())
	return out
}

func classifySESError(err error) Outcome {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "MailFromDomainNotVerifiedException", "ConfigurationSetDoesNotExist", "InvalidParameterValue":
			return InvalidRequest(apiErr.ErrorMessage())
		case "AccountSendingPausedException", "ConfigurationSetSendingPausedException":
			return Restricted(apiErr.ErrorMessage())
		}
		if apiErr.ErrorFault() == smithy.FaultClient && apiErr.ErrorCode() != "Throttling" {
			return InvalidRequest(apiErr.ErrorMessage())
		}
	}
	return TransientFailure(err.Error())
}
