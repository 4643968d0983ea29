package circuitbreaker

import (
	"context"

	"github.com/lalithlochan/khidmat/internal/worker"
)

// ProtectedEmail wraps an email sender with a breaker.
type ProtectedEmail struct {
	sender  worker.EmailSender
	breaker *Breaker
}

func NewProtectedEmail(sender worker.EmailSender, breaker *Breaker) *ProtectedEmail {
	return &ProtectedEmail{sender: sender, breaker: breaker}
}

func (p *ProtectedEmail) SendEmail(ctx context.Context, msg worker.Email) worker.Outcome {
	return p.breaker.Do(func() worker.Outcome {
		return p.sender.SendEmail(ctx, msg)
	})
}

// ProtectedWhatsApp wraps a WhatsApp sender with a breaker. Template and
// text messages share one breaker since they hit the same endpoint.
type ProtectedWhatsApp struct {
	sender  worker.WhatsAppSender
	breaker *Breaker
}

func NewProtectedWhatsApp(sender worker.WhatsAppSender, breaker *Breaker) *ProtectedWhatsApp {
	return &ProtectedWhatsApp{sender: sender, breaker: breaker}
}

func (p *ProtectedWhatsApp) SendTemplate(ctx context.Context, to, template string, params []string) worker.Outcome {
	return p.breaker.Do(func() worker.Outcome {
		return p.sender.SendTemplate(ctx, to, template, params)
	})
}

func (p *ProtectedWhatsApp) SendText(ctx context.Context, to, body string) worker.Outcome {
	return p.breaker.Do(func() worker.Outcome {
		return p.sender.SendText(ctx, to, body)
	})
}

// ProtectedVoice wraps a voice sender with a breaker.
type ProtectedVoice struct {
	sender  worker.VoiceSender
	breaker *Breaker
}

func NewProtectedVoice(sender worker.VoiceSender, breaker *Breaker) *ProtectedVoice {
	return &ProtectedVoice{sender: sender, breaker: breaker}
}

func (p *ProtectedVoice) Call(ctx context.Context, req worker.VoiceCallRequest) worker.Outcome {
	return p.breaker.Do(func() worker.Outcome {
		return p.sender.Call(ctx, req)
	})
}

