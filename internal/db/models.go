package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist, or when a claim
	// query finds no row it is allowed to lock.
	ErrNotFound = errors.New("not found")

	// ErrSlotTaken is returned when a (date, duty type) pair already has an
	// active slot.
	ErrSlotTaken = errors.New("duty slot already taken")

	// ErrRequestPending is returned when a slot already has a pending change request.
	ErrRequestPending = errors.New("change request already pending")
)

// RegistrantStatus is the lifecycle of a volunteer registration.
type RegistrantStatus string

const (
	RegistrantPending  RegistrantStatus = "PENDING"
	RegistrantAllotted RegistrantStatus = "ALLOTTED"
)

// ParseRegistrantStatus accepts legacy lower-case spellings.
func ParseRegistrantStatus(s string) (RegistrantStatus, error) {
	switch RegistrantStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case RegistrantPending:
		return RegistrantPending, nil
	case RegistrantAllotted, "ALLOCATED":
		return RegistrantAllotted, nil
	}
	return "", fmt.Errorf("unknown registrant status %q", s)
}

// SlotStatus is the lifecycle of a duty slot.
type SlotStatus string

const (
	SlotPending               SlotStatus = "pending"
	SlotConfirmed             SlotStatus = "confirmed"
	SlotCancelRequested       SlotStatus = "cancel_requested"
	SlotReallocationRequested SlotStatus = "reallocation_requested"
	SlotCancelled             SlotStatus = "cancelled"
	SlotCompleted             SlotStatus = "completed"
)

// ParseSlotStatus normalizes the upper-case variants written by older
// releases ("CONFIRMED", "CANCEL_REQUESTED", ...).
func ParseSlotStatus(s string) (SlotStatus, error) {
	v := SlotStatus(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case SlotPending, SlotConfirmed, SlotCancelRequested, SlotReallocationRequested, SlotCancelled, SlotCompleted:
		return v, nil
	case "reallocate_requested":
		return SlotReallocationRequested, nil
	case "canceled":
		return SlotCancelled, nil
	}
	return "", fmt.Errorf("unknown slot status %q", s)
}

// ReminderStatus is the lifecycle of a pre-duty reminder.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "PENDING"
	ReminderSent      ReminderStatus = "SENT"
	ReminderFailed    ReminderStatus = "FAILED"
	ReminderCancelled ReminderStatus = "CANCELLED"
)

// ParseReminderStatus validates a reminder status filter.
func ParseReminderStatus(s string) (ReminderStatus, error) {
	v := ReminderStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case ReminderPending, ReminderSent, ReminderFailed, ReminderCancelled:
		return v, nil
	case "CANCELED":
		return ReminderCancelled, nil
	}
	return "", fmt.Errorf("unknown reminder status %q", s)
}

// VoiceCallStatus is the lifecycle of an automated reporting-time call.
type VoiceCallStatus string

const (
	VoicePending VoiceCallStatus = "PENDING"
	VoiceSent    VoiceCallStatus = "SENT"
	VoiceFailed  VoiceCallStatus = "FAILED"
)

// ParseVoiceCallStatus validates a voice call status filter.
func ParseVoiceCallStatus(s string) (VoiceCallStatus, error) {
	v := VoiceCallStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case VoicePending, VoiceSent, VoiceFailed:
		return v, nil
	}
	return "", fmt.Errorf("unknown voice call status %q", s)
}

// RequestKind distinguishes cancellation from reallocation requests.
type RequestKind string

const (
	RequestCancel     RequestKind = "cancel"
	RequestReallocate RequestKind = "reallocate"
)

// ParseRequestKind validates a change request kind.
func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(strings.ToLower(strings.TrimSpace(s))) {
	case RequestCancel, "cancellation":
		return RequestCancel, nil
	case RequestReallocate, "reallocation":
		return RequestReallocate, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// RequestStatus is the review state of a change request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Channel identifies a delivery channel in the reminder log.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelVoice    Channel = "VOICE"
)

// WhatsApp delivery states, as reported by the provider plus SANDBOX for
// recipients rejected by the allow-list.
const (
	DeliverySandbox   = "SANDBOX"
	DeliverySent      = "SENT"
	DeliveryFailed    = "FAILED"
	DeliveryDelivered = "DELIVERED"
	DeliveryRead      = "READ"
)

var deliveryRank = map[string]int{
	DeliverySent:      1,
	DeliveryFailed:    2,
	DeliveryDelivered: 3,
	DeliveryRead:      4,
}

// AdvancesDelivery reports whether moving from current to next is forward
// progress. Webhooks can arrive out of order; a later state is never
// replaced by an earlier one.
func AdvancesDelivery(current, next string) bool {
	n, ok := deliveryRank[strings.ToUpper(next)]
	if !ok {
		return false
	}
	return n > deliveryRank[strings.ToUpper(current)]
}

// deliveryRankSQL renders deliveryRank as a SQL expression over expr, so an
// UPDATE can refuse to move a status backwards under concurrent callbacks.
func deliveryRankSQL(expr string) string {
	var b strings.Builder
	b.WriteString("(CASE UPPER(COALESCE(" + expr + ", ''))")
	for _, s := range []string{DeliverySent, DeliveryFailed, DeliveryDelivered, DeliveryRead} {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, deliveryRank[s])
	}
	b.WriteString(" ELSE 0 END)")
	return b.String()
}

// Registrant is a duty volunteer
type Registrant struct {
	ID                uuid.UUID        `json:"id"`
	ITSNumber         string           `json:"its_number"`
	FullName          string           `json:"full_name"`
	Email             string           `json:"email"`
	Phone             string           `json:"phone"`
	Preferences       []string         `json:"preferences"`
	Status            RegistrantStatus `json:"status"`
	WhatsAppSent      bool             `json:"whatsapp_sent"`
	WhatsAppMessageID *string          `json:"whatsapp_message_id,omitempty"`
	WhatsAppStatus    *string          `json:"whatsapp_status,omitempty"`
	WhatsAppError     *string          `json:"whatsapp_error,omitempty"`
	FailedReason      *string          `json:"failed_reason,omitempty"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	ReadAt            *time.Time       `json:"read_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// DutySlot is one (date, duty type) unit of the roster
type DutySlot struct {
	ID                 uuid.UUID  `json:"id"`
	DutyDate           time.Time  `json:"duty_date"`
	DutyType           string     `json:"duty_type"`
	RegistrantID       *uuid.UUID `json:"registrant_id,omitempty"`
	Locked             bool       `json:"locked"`
	LockedAt           *time.Time `json:"locked_at,omitempty"`
	Status             SlotStatus `json:"status"`
	AllotmentNotified  bool       `json:"allotment_notified"`
	AllotmentMessageID *string    `json:"allotment_message_id,omitempty"`
	AllotmentStatus    *string    `json:"allotment_status,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// UnlockAudit is an immutable snapshot written before an emergency unlock.
type UnlockAudit struct {
	ID             uuid.UUID `json:"id"`
	SlotID         uuid.UUID `json:"slot_id"`
	DutyDate       time.Time `json:"duty_date"`
	DutyType       string    `json:"duty_type"`
	RegistrantName string    `json:"registrant_name"`
	RegistrantITS  string    `json:"registrant_its"`
	Reason         string    `json:"reason"`
	UnlockedBy     string    `json:"unlocked_by"`
	UnlockedAt     time.Time `json:"unlocked_at"`
}

// Reminder drives the pre-duty email and WhatsApp notifications for a slot
type Reminder struct {
	ID                uuid.UUID      `json:"id"`
	SlotID            uuid.UUID      `json:"slot_id"`
	RegistrantID      uuid.UUID      `json:"registrant_id"`
	ScheduledAt       time.Time      `json:"scheduled_at"`
	EmailSent         bool           `json:"email_sent"`
	WhatsAppSent      bool           `json:"whatsapp_sent"`
	EmailAttempts     int            `json:"email_attempts"`
	WhatsAppAttempts  int            `json:"whatsapp_attempts"`
	Status            ReminderStatus `json:"status"`
	LastError         *string        `json:"last_error,omitempty"`
	WhatsAppMessageID *string        `json:"whatsapp_message_id,omitempty"`
	WhatsAppStatus    *string        `json:"whatsapp_status,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ReminderLog is one append-only dispatch attempt record
type ReminderLog struct {
	ID         uuid.UUID `json:"id"`
	ReminderID uuid.UUID `json:"reminder_id"`
	Channel    Channel   `json:"channel"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// VoiceCall is an automated call placed ahead of the reporting time
type VoiceCall struct {
	ID           uuid.UUID       `json:"id"`
	SlotID       uuid.UUID       `json:"slot_id"`
	RegistrantID uuid.UUID       `json:"registrant_id"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Status       VoiceCallStatus `json:"status"`
	Attempts     int             `json:"attempts"`
	CallSID      *string         `json:"call_sid,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ChangeRequest is a volunteer's cancel or reallocate request for a slot
type ChangeRequest struct {
	ID            uuid.UUID     `json:"id"`
	SlotID        uuid.UUID     `json:"slot_id"`
	RegistrantID  uuid.UUID     `json:"registrant_id"`
	Kind          RequestKind   `json:"kind"`
	Status        RequestStatus `json:"status"`
	Reason        string        `json:"reason"`
	PreferredDate *time.Time    `json:"preferred_date,omitempty"`
	PreferredType *string       `json:"preferred_type,omitempty"`
	ReviewedBy    *string       `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// WhatsAppResult records the outcome of a WhatsApp send against an entity.
type WhatsAppResult struct {
	Sent      bool
	MessageID string
	Status    string
	Error     string
}

// Delivery is a provider status callback applied to an entity.
type Delivery struct {
	Status       string
	At           time.Time
	FailedReason string
}
