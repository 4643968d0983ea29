package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/sns"
)

// NoticePublisher fans admin notices out to operations subscribers.
type NoticePublisher interface {
	Publish(ctx context.Context, n sns.Notice) (string, error)
}

// AdminNotifier tells the admin about change requests over WhatsApp and,
// when a topic is configured, over SNS.
type AdminNotifier struct {
	whatsapp    WhatsAppSender
	adminNumber string
	topic       NoticePublisher
	logger      *zap.Logger
}

// NewAdminNotifier creates a notifier. topic may be nil.
func NewAdminNotifier(wa WhatsAppSender, adminNumber string, topic NoticePublisher, logger *zap.Logger) *AdminNotifier {
	return &AdminNotifier{
		whatsapp:    wa,
		adminNumber: adminNumber,
		topic:       topic,
		logger:      logger,
	}
}

// NotifyChangeRequest sends the admin notice for a change request. The SNS
// copy is best effort and only published when publish is set, so retries
// of the WhatsApp message do not fan out twice.
func (n *AdminNotifier) NotifyChangeRequest(ctx context.Context, req *db.ChangeRequest, slot *db.DutySlot, reg *db.Registrant, publish bool) Outcome {
	subject, text := changeRequestText(req, slot, reg)

	if publish && n.topic != nil {
		event := sns.EventCancelRequest
		if req.Kind == db.RequestReallocate {
			event = sns.EventReallocationRequest
		}
		id, err := n.topic.Publish(ctx, sns.Notice{
			Event:   event,
			Subject: subject,
			Text:    text,
			Attributes: map[string]string{
				"request_id": req.ID.String(),
				"slot_id":    slot.ID.String(),
				"its_number": reg.ITSNumber,
			},
		})
		if err != nil {
			n.logger.Warn("admin notice publish failed", zap.String("request_id", req.ID.String()), zap.Error(err))
		} else {
			n.logger.Info("admin notice published", zap.String("request_id", req.ID.String()), zap.String("message_id", id))
		}
	}

	if n.adminNumber == "" {
		n.logger.Error("admin whatsapp number not configured, notice not sent",
			zap.String("request_id", req.ID.String()),
		)
		return InvalidRequest("admin number not configured")
	}

	return n.whatsapp.SendText(ctx, n.adminNumber, text)
}
