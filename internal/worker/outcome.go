// Package worker sends registration, allotment, reminder and voice
// notifications and records their outcome per channel.
package worker

import (
	"context"
	"time"
)

// OutcomeKind classifies the result of one provider call.
type OutcomeKind int

const (
	// Success means the provider accepted the message.
	Success OutcomeKind = iota
	// Transient failures (timeouts, 5xx, 429, open circuit) may succeed on retry.
	Transient
	// TerminalRestriction means the recipient can never be reached from this
	// sender, e.g. a number outside the sandbox allow-list.
	TerminalRestriction
	// Invalid means the request itself is wrong and retrying cannot help.
	Invalid
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case TerminalRestriction:
		return "restricted"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Outcome is what a sender reports instead of an error.
type Outcome struct {
	Kind       OutcomeKind
	ProviderID string
	Detail     string
}

func Succeeded(providerID string) Outcome {
	return Outcome{Kind: Success, ProviderID: providerID}
}

func TransientFailure(detail string) Outcome {
	return Outcome{Kind: Transient, Detail: detail}
}

func Restricted(detail string) Outcome {
	return Outcome{Kind: TerminalRestriction, Detail: detail}
}

func InvalidRequest(detail string) Outcome {
	return Outcome{Kind: Invalid, Detail: detail}
}

// OK reports whether the message was accepted.
func (o Outcome) OK() bool {
	return o.Kind == Success
}

// Email is a plain-text message to one recipient.
type Email struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) Outcome
}

// WhatsAppSender delivers WhatsApp template and free-text messages.
type WhatsAppSender interface {
	SendTemplate(ctx context.Context, to, template string, params []string) Outcome
	SendText(ctx context.Context, to, body string) Outcome
}

// VoiceCallRequest carries the variables read out by the voice flow.
type VoiceCallRequest struct {
	To            string
	Name          string
	DutyName      string
	DutyDate      time.Time
	ReportingTime string
}

// VoiceSender places automated calls.
type VoiceSender interface {
	Call(ctx context.Context, req VoiceCallRequest) Outcome
}
