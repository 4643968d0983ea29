package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender stands in for any channel whose credentials are not
// configured. It logs the message and reports success.
type LogSender struct {
	channel string
	logger  *zap.Logger
}

func NewLogSender(channel string, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) id() string {
	return fmt.Sprintf("log-%s-%s", s.channel, uuid.NewString())
}

func (s *LogSender) SendEmail(_ context.Context, msg Email) Outcome {
	s.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return Succeeded(s.id())
}

func (s *LogSender) SendTemplate(_ context.Context, to, template string, params []string) Outcome {
	s.logger.Info("logging whatsapp template (development mode)",
		zap.String("to", to),
		zap.String("template", template),
		zap.Strings("params", params),
	)
	return Succeeded(s.id())
}

func (s *LogSender) SendText(_ context.Context, to, body string) Outcome {
	s.logger.Info("logging whatsapp text (development mode)",
		zap.String("to", to),
		zap.Int("length", len(body)),
	)
	return Succeeded(s.id())
}

func (s *LogSender) Call(_ context.Context, req VoiceCallRequest) Outcome {
	s.logger.Info("logging voice call (development mode)",
		zap.String("to", req.To),
		zap.String("duty_name", req.DutyName),
		zap.String("reporting_time", req.ReportingTime),
	)
	return Succeeded(s.id())
}
