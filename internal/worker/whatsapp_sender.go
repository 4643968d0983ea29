package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/phone"
)

// Meta error codes for a recipient outside the test allow-list.
var restrictedCodes = map[int]bool{
	63016:  true,
	131030: true,
}

// WhatsAppConfig configures the Cloud API sender.
type WhatsAppConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	RatePerSecond float64
}

// WhatsAppCloudSender sends messages through the Meta Graph API.
type WhatsAppCloudSender struct {
	client  *http.Client
	cfg     WhatsAppConfig
	catalog Catalog
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWhatsAppSender creates a Cloud API sender.
func NewWhatsAppSender(cfg WhatsAppConfig, catalog Catalog, logger *zap.Logger) *WhatsAppCloudSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &WhatsAppCloudSender{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		catalog: catalog,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:  logger,
	}
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waTemplate struct {
	Name       string            `json:"name"`
	Language   map[string]string `json:"language"`
	Components []waComponent     `json:"components,omitempty"`
}

type waMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Template         *waTemplate       `json:"template,omitempty"`
	Text             map[string]string `json:"text,omitempty"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplate sends an approved template. The parameter count is checked
// against the catalog before any network call.
func (s *WhatsAppCloudSender) SendTemplate(ctx context.Context, to, template string, params []string) Outcome {
	t, err := s.catalog.Check(template, params)
	if err != nil {
		return s.record(InvalidRequest(err.Error()))
	}

	number, err := phone.Normalize(to)
	if err != nil {
		return s.record(InvalidRequest(err.Error()))
	}

	tpl := &waTemplate{
		Name:     t.Name,
		Language: map[string]string{"code": t.Language},
	}
	if len(params) > 0 {
		body := waComponent{Type: "body"}
		for _, p := range params {
			body.Parameters = append(body.Parameters, waParameter{Type: "text", Text: p})
		}
		tpl.Components = []waComponent{body}
	}

	return s.record(s.post(ctx, waMessage{
		MessagingProduct: "whatsapp",
		To:               number,
		Type:             "template",
		Template:         tpl,
	}))
}

// SendText sends a free-form text message. Meta only delivers these inside
// an open conversation window, so it is used for admin notices.
func (s *WhatsAppCloudSender) SendText(ctx context.Context, to, body string) Outcome {
	number, err := phone.Normalize(to)
	if err != nil {
		return s.record(InvalidRequest(err.Error()))
	}
	if strings.TrimSpace(body) == "" {
		return s.record(InvalidRequest("empty message body"))
	}

	return s.record(s.post(ctx, waMessage{
		MessagingProduct: "whatsapp",
		To:               number,
		Type:             "text",
		Text:             map[string]string{"body": body},
	}))
}

func (s *WhatsAppCloudSender) post(ctx context.Context, msg waMessage) Outcome {
	if err := s.limiter.Wait(ctx); err != nil {
		return TransientFailure(fmt.Sprintf("rate limiter: %v", err))
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return InvalidRequest(fmt.Sprintf("marshal message: %v", err))
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return InvalidRequest(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("whatsapp request failed", zap.String("to", msg.To), zap.Error(err))
		return TransientFailure(err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body waResponse
	if err := json.Unmarshal(raw, &body); err != nil && resp.StatusCode < 300 {
		return TransientFailure(fmt.Sprintf("decode response: %v", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(body.Messages) == 0 || body.Messages[0].ID == "" {
			return TransientFailure("response without message id")
		}
		s.logger.Info("whatsapp message accepted",
			zap.String("to", msg.To),
			zap.String("type", msg.Type),
			zap.String("message_id", body.Messages[0].ID),
		)
		return Succeeded(body.Messages[0].ID)
	}

	out := classifyWhatsAppError(resp.StatusCode, body, raw)
	s.logger.Warn("whatsapp message rejected",
		zap.String("to", msg.To),
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", out.Kind.String()),
		zap.String("detail", out.Detail),
	)
	return out
}

func classifyWhatsAppError(status int, body waResponse, raw []byte) Outcome {
	detail := strings.TrimSpace(string(raw))
	if body.Error != nil {
		detail = fmt.Sprintf("(#%d) %s", body.Error.Code, body.Error.Message)
		if restrictedCodes[body.Error.Code] {
			return Restricted(detail)
		}
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return TransientFailure(detail)
	case status >= 400:
		return InvalidRequest(detail)
	}
	return TransientFailure(detail)
}

func (s *WhatsAppCloudSender) record(out Outcome) Outcome {
	metrics.RecordChannelSend("whatsapp", out.Kind.String())
	return out
}

