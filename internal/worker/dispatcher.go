package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/dedupe"
	"github.com/lalithlochan/khidmat/internal/metrics"
	"github.com/lalithlochan/khidmat/internal/queue"
	"github.com/lalithlochan/khidmat/internal/reporting"
)

// ErrUnknownKind is returned for jobs the dispatcher has no handler for.
var ErrUnknownKind = errors.New("unknown job kind")

const maxAttemptsReached = "max retry attempts reached"

// Result is the outcome of processing one due reminder or voice call row.
type Result string

const (
	ResultSent      Result = "sent"
	ResultPending   Result = "pending"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
	ResultSkipped   Result = "skipped"
)

// Senders groups the channel senders used by the dispatcher.
type Senders struct {
	Email    EmailSender
	WhatsApp WhatsAppSender
	Voice    VoiceSender
}

// Options tunes the dispatcher.
type Options struct {
	// MaxChannelAttempts bounds provider attempts per reminder channel and
	// per voice call.
	MaxChannelAttempts int
}

// Dispatcher turns queue jobs into provider calls and records the outcome
// of each channel on the entity row.
type Dispatcher struct {
	store   Store
	senders Senders
	admin   *AdminNotifier
	sheets  SheetExporter
	dedupe  dedupe.Reserver
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. sheets and reserver may be nil.
func NewDispatcher(store Store, senders Senders, admin *AdminNotifier, sheets SheetExporter, reserver dedupe.Reserver, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.MaxChannelAttempts < 1 {
		opts.MaxChannelAttempts = 2
	}
	return &Dispatcher{
		store:   store,
		senders: senders,
		admin:   admin,
		sheets:  sheets,
		dedupe:  reserver,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle implements queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	return d.Dispatch(ctx, job)
}

// Dispatch runs one job. A re-fired trigger for a job that is still in
// flight is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, job queue.Job) error {
	if d.dedupe != nil {
		key := dedupe.Key(string(job.Kind), job.EntityID.String())
		ok, err := d.dedupe.Reserve(ctx, key)
		switch {
		case err != nil:
			d.logger.Warn("dispatch reservation unavailable, running without it",
				zap.String("key", key),
				zap.Error(err),
			)
		case !ok:
			metrics.RecordDuplicateDispatch(string(job.Kind))
			d.logger.Info("duplicate dispatch dropped", zap.String("key", key))
			return nil
		default:
			defer func() {
				if err := d.dedupe.Release(context.WithoutCancel(ctx), key); err != nil {
					d.logger.Warn("failed to release dispatch reservation", zap.String("key", key), zap.Error(err))
				}
			}()
		}
	}

	switch job.Kind {
	case queue.KindRegistrationConfirmation:
		return d.registrationConfirmation(ctx, job)
	case queue.KindDutyAllotment:
		return d.dutyAllotment(ctx, job)
	case queue.KindChangeRequestNotice:
		return d.changeRequestNotice(ctx, job)
	case queue.KindSheetSync:
		return d.sheetSync(ctx, job)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
}

// loadFailed maps a load error to the dispatch result: a missing row is
// logged and dropped, anything else is retried.
func (d *Dispatcher) loadFailed(job queue.Job, what string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		d.logger.Warn(what+" not found, dropping job",
			zap.String("kind", string(job.Kind)),
			zap.String("entity_id", job.EntityID.String()),
		)
		return nil
	}
	return queue.Retry(fmt.Errorf("load %s: %w", what, err))
}

func (d *Dispatcher) registrationConfirmation(ctx context.Context, job queue.Job) error {
	reg, err := d.store.GetRegistrant(ctx, job.EntityID)
	if err != nil {
		return d.loadFailed(job, "registrant", err)
	}

	if job.Attempt == 0 {
		d.sendEmail(ctx, registrationEmail(reg), "registration")
	}

	if reg.WhatsAppSent {
		d.logger.Debug("confirmation already sent", zap.String("registrant_id", reg.ID.String()))
		return nil
	}

	out := d.senders.WhatsApp.SendTemplate(ctx, reg.Phone, TemplateRegistration, []string{reg.FullName})
	return d.recordWhatsApp(ctx, job, out, func(res db.WhatsAppResult) error {
		return d.store.MarkRegistrantWhatsApp(ctx, reg.ID, res)
	})
}

func (d *Dispatcher) dutyAllotment(ctx context.Context, job queue.Job) error {
	slot, err := d.store.GetSlot(ctx, job.EntityID)
	if err != nil {
		return d.loadFailed(job, "duty slot", err)
	}
	if slot.RegistrantID == nil || !slotHeld(slot) {
		d.logger.Info("slot no longer assigned, allotment skipped",
			zap.String("slot_id", slot.ID.String()),
			zap.String("status", string(slot.Status)),
		)
		return nil
	}

	reg, err := d.store.GetRegistrant(ctx, *slot.RegistrantID)
	if err != nil {
		return d.loadFailed(job, "registrant", err)
	}
	details := detailsFor(reg, slot)

	if job.Attempt == 0 {
		d.sendEmail(ctx, allotmentEmail(reg.Email, details), "allotment")
	}

	if slot.AllotmentNotified {
		d.logger.Debug("allotment already sent", zap.String("slot_id", slot.ID.String()))
		return nil
	}

	out := d.senders.WhatsApp.SendTemplate(ctx, reg.Phone, TemplateAllotment, details.params())
	return d.recordWhatsApp(ctx, job, out, func(res db.WhatsAppResult) error {
		return d.store.MarkAllotment(ctx, slot.ID, res)
	})
}

// recordWhatsApp persists a confirmation or allotment outcome and decides
// whether the job is retried.
func (d *Dispatcher) recordWhatsApp(ctx context.Context, job queue.Job, out Outcome, mark func(db.WhatsAppResult) error) error {
	logger := d.logger.With(
		zap.String("kind", string(job.Kind)),
		zap.String("entity_id", job.EntityID.String()),
	)

	var res db.WhatsAppResult
	switch out.Kind {
	case Success:
		res = db.WhatsAppResult{Sent: true, MessageID: out.ProviderID, Status: db.DeliverySent}
		logger.Info("whatsapp notification sent", zap.String("message_id", out.ProviderID))
	case TerminalRestriction:
		res = db.WhatsAppResult{Status: db.DeliverySandbox, Error: out.Detail}
		logger.Warn("whatsapp recipient restricted", zap.String("detail", out.Detail))
	case Transient:
		res = db.WhatsAppResult{Status: db.DeliveryFailed, Error: out.Detail}
	default:
		res = db.WhatsAppResult{Status: db.DeliveryFailed, Error: out.Detail}
		logger.Error("whatsapp notification rejected", zap.String("detail", out.Detail))
	}

	if err := mark(res); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.Warn("entity deleted before outcome was recorded")
			return nil
		}
		return queue.Retry(fmt.Errorf("record whatsapp outcome: %w", err))
	}

	if out.Kind == Transient {
		return queue.Retry(fmt.Errorf("whatsapp send: %s", out.Detail))
	}
	return nil
}

// sendEmail is best effort. A failed email is logged and never retried.
func (d *Dispatcher) sendEmail(ctx context.Context, msg Email, purpose string) {
	if msg.To == "" {
		d.logger.Debug("no email address, skipping", zap.String("purpose", purpose))
		return
	}
	out := d.senders.Email.SendEmail(ctx, msg)
	if !out.OK() {
		d.logger.Warn("email not sent",
			zap.String("purpose", purpose),
			zap.String("outcome", out.Kind.String()),
			zap.String("detail", out.Detail),
		)
		return
	}
	d.logger.Info("email sent", zap.String("purpose", purpose), zap.String("message_id", out.ProviderID))
}

func (d *Dispatcher) changeRequestNotice(ctx context.Context, job queue.Job) error {
	req, err := d.store.GetChangeRequest(ctx, job.EntityID)
	if err != nil {
		return d.loadFailed(job, "change request", err)
	}
	if req.Status != db.RequestPending {
		d.logger.Info("change request already reviewed, notice skipped",
			zap.String("request_id", req.ID.String()),
			zap.String("status", string(req.Status)),
		)
		return nil
	}
	slot, err := d.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		return d.loadFailed(job, "duty slot", err)
	}
	reg, err := d.store.GetRegistrant(ctx, req.RegistrantID)
	if err != nil {
		return d.loadFailed(job, "registrant", err)
	}

	out := d.admin.NotifyChangeRequest(ctx, req, slot, reg, job.Attempt == 0)
	switch out.Kind {
	case Success:
		d.logger.Info("admin notified of change request",
			zap.String("request_id", req.ID.String()),
			zap.String("message_id", out.ProviderID),
		)
		return nil
	case Transient:
		return queue.Retry(fmt.Errorf("admin notice: %s", out.Detail))
	default:
		d.logger.Error("admin notice not delivered",
			zap.String("request_id", req.ID.String()),
			zap.String("outcome", out.Kind.String()),
			zap.String("detail", out.Detail),
		)
		return nil
	}
}

func (d *Dispatcher) sheetSync(ctx context.Context, job queue.Job) error {
	if d.sheets == nil {
		d.logger.Debug("sheet export disabled", zap.String("registrant_id", job.EntityID.String()))
		return nil
	}
	reg, err := d.store.GetRegistrant(ctx, job.EntityID)
	if err != nil {
		return d.loadFailed(job, "registrant", err)
	}
	if err := d.sheets.AppendRegistrant(ctx, reg); err != nil {
		return queue.Retry(fmt.Errorf("append registrant to sheet: %w", err))
	}
	d.logger.Info("registrant exported to sheet", zap.String("registrant_id", reg.ID.String()))
	return nil
}

// ProcessDueReminder claims a due reminder and attempts each channel that
// is neither sent nor out of attempts. The claim holds the row lock for the
// whole attempt, so a concurrent sweep skips the row.
func (d *Dispatcher) ProcessDueReminder(ctx context.Context, id uuid.UUID) (Result, error) {
	var result Result
	err := d.store.InTx(ctx, func(q Queries) error {
		now := d.now()
		r, err := q.ClaimReminder(ctx, id, now)
		if errors.Is(err, db.ErrNotFound) {
			result = ResultSkipped
			return nil
		}
		if err != nil {
			return err
		}

		slot, reg, err := d.reminderTarget(ctx, q, r.SlotID, r.RegistrantID)
		if err != nil {
			return err
		}
		if slot == nil {
			r.Status = db.ReminderCancelled
			result = ResultCancelled
			d.logger.Info("reminder cancelled, slot no longer held", zap.String("reminder_id", r.ID.String()))
			return q.UpdateReminder(ctx, r)
		}

		details := detailsFor(reg, slot)
		maxAttempts := d.opts.MaxChannelAttempts
		var logs []*db.ReminderLog

		if !r.EmailSent && r.EmailAttempts < maxAttempts {
			out := d.senders.Email.SendEmail(ctx, reminderEmail(reg.Email, details))
			r.EmailAttempts++
			if out.OK() {
				r.EmailSent = true
			} else if out.Kind != Transient {
				r.EmailAttempts = maxAttempts
			}
			if !out.OK() {
				r.LastError = strPtr("email: " + out.Detail)
			}
			logs = append(logs, reminderLog(r.ID, db.ChannelEmail, out))
		}

		if !r.WhatsAppSent && r.WhatsAppAttempts < maxAttempts {
			out := d.senders.WhatsApp.SendTemplate(ctx, reg.Phone, TemplateReminder, details.params())
			r.WhatsAppAttempts++
			switch out.Kind {
			case Success:
				r.WhatsAppSent = true
				r.WhatsAppMessageID = strPtr(out.ProviderID)
				r.WhatsAppStatus = strPtr(db.DeliverySent)
			case TerminalRestriction:
				r.WhatsAppAttempts = maxAttempts
				r.WhatsAppStatus = strPtr(db.DeliverySandbox)
			case Invalid:
				r.WhatsAppAttempts = maxAttempts
				r.WhatsAppStatus = strPtr(db.DeliveryFailed)
			default:
				r.WhatsAppStatus = strPtr(db.DeliveryFailed)
			}
			if !out.OK() {
				r.LastError = strPtr("whatsapp: " + out.Detail)
			}
			logs = append(logs, reminderLog(r.ID, db.ChannelWhatsApp, out))
		}

		switch {
		case r.EmailSent && r.WhatsAppSent:
			r.Status = db.ReminderSent
			r.SentAt = &now
			r.LastError = nil
			result = ResultSent
		case (r.EmailSent || r.EmailAttempts >= maxAttempts) && (r.WhatsAppSent || r.WhatsAppAttempts >= maxAttempts):
			r.Status = db.ReminderFailed
			r.LastError = strPtr(maxAttemptsReached)
			result = ResultFailed
		default:
			result = ResultPending
		}

		if err := q.UpdateReminder(ctx, r); err != nil {
			return err
		}
		for _, l := range logs {
			if err := q.InsertReminderLog(ctx, l); err != nil {
				return err
			}
		}

		d.logger.Info("reminder processed",
			zap.String("reminder_id", r.ID.String()),
			zap.String("result", string(result)),
			zap.Bool("email_sent", r.EmailSent),
			zap.Bool("whatsapp_sent", r.WhatsAppSent),
		)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("process reminder %s: %w", id, err)
	}
	return result, nil
}

// ProcessDueVoiceCall claims a due voice call and places it.
func (d *Dispatcher) ProcessDueVoiceCall(ctx context.Context, id uuid.UUID) (Result, error) {
	var result Result
	err := d.store.InTx(ctx, func(q Queries) error {
		v, err := q.ClaimVoiceCall(ctx, id, d.now())
		if errors.Is(err, db.ErrNotFound) {
			result = ResultSkipped
			return nil
		}
		if err != nil {
			return err
		}

		slot, reg, err := d.reminderTarget(ctx, q, v.SlotID, v.RegistrantID)
		if err != nil {
			return err
		}
		if slot == nil {
			v.Status = db.VoiceFailed
			v.LastError = strPtr("cancelled")
			result = ResultCancelled
			return q.UpdateVoiceCall(ctx, v)
		}

		out := d.senders.Voice.Call(ctx, VoiceCallRequest{
			To:            reg.Phone,
			Name:          reg.FullName,
			DutyName:      reporting.DutyLabel(slot.DutyType),
			DutyDate:      slot.DutyDate,
			ReportingTime: reporting.Label(slot.DutyType, noReportingTime),
		})
		v.Attempts++

		switch {
		case out.OK():
			v.Status = db.VoiceSent
			v.CallSID = strPtr(out.ProviderID)
			v.LastError = nil
			result = ResultSent
		case out.Kind != Transient || v.Attempts >= d.opts.MaxChannelAttempts:
			v.Status = db.VoiceFailed
			v.LastError = strPtr(out.Detail)
			result = ResultFailed
		default:
			v.LastError = strPtr(out.Detail)
			result = ResultPending
		}

		if err := q.UpdateVoiceCall(ctx, v); err != nil {
			return err
		}
		d.logger.Info("voice call processed",
			zap.String("voice_call_id", v.ID.String()),
			zap.String("result", string(result)),
			zap.Int("attempts", v.Attempts),
		)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("process voice call %s: %w", id, err)
	}
	return result, nil
}

// reminderTarget reloads the slot and registrant behind a reminder or voice
// call. A nil slot means the row must be cancelled: the slot is gone, no
// longer held, or held by someone else.
func (d *Dispatcher) reminderTarget(ctx context.Context, q Queries, slotID, registrantID uuid.UUID) (*db.DutySlot, *db.Registrant, error) {
	slot, err := q.GetSlot(ctx, slotID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !slotHeld(slot) || slot.RegistrantID == nil || *slot.RegistrantID != registrantID {
		return nil, nil, nil
	}

	reg, err := q.GetRegistrant(ctx, registrantID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return slot, reg, nil
}

// slotHeld reports whether the slot still binds its registrant. A pending
// change request does not release the duty until it is approved.
func slotHeld(slot *db.DutySlot) bool {
	switch slot.Status {
	case db.SlotConfirmed, db.SlotCancelRequested, db.SlotReallocationRequested:
		return true
	}
	return false
}

func reminderLog(reminderID uuid.UUID, ch db.Channel, out Outcome) *db.ReminderLog {
	msg := out.ProviderID
	if !out.OK() {
		msg = out.Kind.String() + ": " + out.Detail
	}
	return &db.ReminderLog{
		ID:         uuid.New(),
		ReminderID: reminderID,
		Channel:    ch,
		Success:    out.OK(),
		Message:    msg,
	}
}

func strPtr(s string) *string {
	return &s
}
