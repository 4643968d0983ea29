package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/metrics"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "X-Hub-Signature-256"
)

// DeliveryStore resolves provider message IDs and applies status updates.
type DeliveryStore interface {
	FindRegistrantByMessageID(ctx context.Context, messageID string) (*db.Registrant, error)
	FindSlotByAllotmentMessageID(ctx context.Context, messageID string) (*db.DutySlot, error)
	FindReminderByMessageID(ctx context.Context, messageID string) (*db.Reminder, error)
	UpdateRegistrantDelivery(ctx context.Context, id uuid.UUID, d db.Delivery) (bool, error)
	UpdateSlotDelivery(ctx context.Context, id uuid.UUID, d db.Delivery) (bool, error)
	UpdateReminderDelivery(ctx context.Context, id uuid.UUID, d db.Delivery) (bool, error)
}

// WebhookConfig holds the provider subscription secrets.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

// WebhookHandler receives WhatsApp delivery status callbacks.
type WebhookHandler struct {
	store  DeliveryStore
	cfg    WebhookConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookHandler(store DeliveryStore, cfg WebhookConfig, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Timestamp   string         `json:"timestamp"`
	RecipientID string         `json:"recipient_id"`
	Errors      []webhookError `json:"errors"`
}

type webhookError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// Verify handles the GET subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(h.cfg.VerifyToken)) {
		writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Receive handles POSTed status callbacks. Once the signature checks out
// the response is always 200 so the provider does not redeliver.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Bad Request", "unreadable body")
		return
	}

	if h.cfg.AppSecret != "" && !validSignature(h.cfg.AppSecret, body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature mismatch", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Unauthorized", "signature verification failed")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("ignoring malformed webhook payload", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if err := h.apply(r.Context(), st); err != nil {
					h.logger.Error("failed to apply delivery status",
						zap.String("message_id", st.ID),
						zap.String("status", st.Status),
						zap.Error(err),
					)
				}
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// apply looks the message up as a registrant confirmation, then a slot
// allotment, then a reminder. Updates only ever move forward.
func (h *WebhookHandler) apply(ctx context.Context, st webhookStatus) error {
	if st.ID == "" {
		return nil
	}
	d := db.Delivery{
		Status: strings.ToUpper(st.Status),
		At:     h.statusTime(st.Timestamp),
	}
	if d.Status == db.DeliveryFailed && len(st.Errors) > 0 {
		d.FailedReason = st.Errors[0].reason()
	}

	reg, err := h.store.FindRegistrantByMessageID(ctx, st.ID)
	switch {
	case err == nil:
		return h.update("registrant", reg.WhatsAppStatus, d, func() (bool, error) {
			return h.store.UpdateRegistrantDelivery(ctx, reg.ID, d)
		})
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	slot, err := h.store.FindSlotByAllotmentMessageID(ctx, st.ID)
	switch {
	case err == nil:
		return h.update("allotment", slot.AllotmentStatus, d, func() (bool, error) {
			return h.store.UpdateSlotDelivery(ctx, slot.ID, d)
		})
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	rem, err := h.store.FindReminderByMessageID(ctx, st.ID)
	switch {
	case err == nil:
		return h.update("reminder", rem.WhatsAppStatus, d, func() (bool, error) {
			return h.store.UpdateReminderDelivery(ctx, rem.ID, d)
		})
	case !errors.Is(err, db.ErrNotFound):
		return err
	}

	metrics.RecordWebhookStatus(d.Status, "unknown")
	h.logger.Debug("delivery status for unknown message", zap.String("message_id", st.ID))
	return nil
}

// update skips callbacks that are already stale when read. The store
// repeats the comparison in the write, since another callback for the same
// message may land in between.
func (h *WebhookHandler) update(target string, current *string, d db.Delivery, fn func() (bool, error)) error {
	var cur string
	if current != nil {
		cur = *current
	}
	if !db.AdvancesDelivery(cur, d.Status) {
		metrics.RecordWebhookStatus(d.Status, target+"_stale")
		return nil
	}
	applied, err := fn()
	if err != nil {
		return fmt.Errorf("update %s delivery: %w", target, err)
	}
	if !applied {
		metrics.RecordWebhookStatus(d.Status, target+"_stale")
		return nil
	}
	metrics.RecordWebhookStatus(d.Status, target)
	return nil
}

func (h *WebhookHandler) statusTime(ts string) time.Time {
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return h.now().UTC()
}

func (e webhookError) reason() string {
	msg := e.Title
	if e.ErrorData.Details != "" {
		msg = e.ErrorData.Details
	} else if msg == "" {
		msg = e.Message
	}
	if e.Code != 0 {
		return fmt.Sprintf("%d: %s", e.Code, msg)
	}
	return msg
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
