package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/phone"
)

// ExotelConfig configures the voice call sender.
type ExotelConfig struct {
	BaseURL  string
	SID      string
	APIKey   string
	APIToken string
	CallerID string
	FlowID   string
	Timeout  time.Duration
}

// ExotelSender connects a volunteer to a voice flow that reads out the duty.
type ExotelSender struct {
	client *http.Client
	cfg    ExotelConfig
	logger *zap.Logger
}

func NewExotelSender(cfg ExotelConfig, logger *zap.Logger) *ExotelSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.exotel.com"
	}
	return &ExotelSender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Call places one call through Calls/connect.
func (s *ExotelSender) Call(ctx context.Context, req VoiceCallRequest) Outcome {
	number, err := phone.Normalize(req.To)
	if err != nil {
		return s.record(InvalidRequest(err.Error()))
	}

	custom := url.Values{}
	custom.Set("name", req.Name)
	custom.Set("duty_name", req.DutyName)
	custom.Set("duty_date", req.DutyDate.Format("02/01/2006"))
	custom.Set("reporting_time", req.ReportingTime)

	form := url.Values{}
	form.Set("From", number)
	form.Set("CallerId", s.cfg.CallerID)
	form.Set("Url", fmt.Sprintf("http://my.exotel.com/%s/examl/start_voice/%s", s.cfg.SID, s.cfg.FlowID))
	form.Set("CustomField", custom.Encode())

	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.SID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return s.record(InvalidRequest(fmt.Sprintf("build request: %v", err)))
	}
	httpReq.SetBasicAuth(s.cfg.APIKey, s.cfg.APIToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Warn("exotel request failed", zap.String("to", number), zap.Error(err))
		return s.record(TransientFailure(err.Error()))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			Call struct {
				Sid string `json:"Sid"`
			} `json:"Call"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return s.record(TransientFailure(fmt.Sprintf("decode response: %v", err)))
		}
		s.logger.Info("voice call triggered",
			zap.String("to", number),
			zap.String("call_sid", body.Call.Sid),
		)
		return s.record(Succeeded(body.Call.Sid))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return s.record(TransientFailure(fmt.Sprintf("exotel status %d: %s", resp.StatusCode, raw)))
	default:
		s.logger.Error("exotel rejected call",
			zap.String("to", number),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		return s.record(InvalidRequest(fmt.Sprintf("exotel status %d: %s", resp.StatusCode, raw)))
	}
}

func (s *ExotelSender) record(out Outcome) Outcome {
	metrics.RecordChannelSend("voice", out.Kind.String())
	return out
}
