// Package consumer turns deliveries from the chat and invasion queues into
// lifecycle calls and best-effort replies.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"ashen-realm/invader/internal/flavor"
	"ashen-realm/invader/internal/lifecycle"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
	"ashen-realm/shared/workflow"
)

const (
	StatusInvasionConfirmed = "INVASION_CONFIRMED"
	StatusInvasionResolved  = "INVASION_RESOLVED"
)

type Replier interface {
	Reply(ctx context.Context, msg mqx.Message, body any) (bool, error)
}

type Binder interface {
	Bind(queue string, h mqx.HandlerFunc) error
}

type Handlers struct {
	lc      *lifecycle.Lifecycle
	replies Replier
	now     func() time.Time
	log     logx.Logger
}

func New(lc *lifecycle.Lifecycle, replies Replier, now func() time.Time, log logx.Logger) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{lc: lc, replies: replies, now: now, log: log}
}

// Bind attaches the chat handler to messagesQueue and the invasion handler
// to invasionsQueue.
func (h *Handlers) Bind(d Binder, messagesQueue string, invasionsQueue string) error {
	if err := d.Bind(messagesQueue, mqx.Decode(h.Message)); err != nil {
		return err
	}
	return d.Bind(invasionsQueue, mqx.Decode(h.Invasion))
}

func (h *Handlers) Message(ctx context.Context, msg mqx.Message, m events.Message) error {
	if strings.TrimSpace(m.Message) == "" {
		return &mqx.MalformedMessageError{Queue: msg.Queue, Err: errors.New("message text is required")}
	}
	if m.Zone == "" {
		m.Zone = events.DefaultZone
	}

	obs := h.lc.Observe(ctx, m)
	if !obs.Triggered {
		h.log.Debug(ctx, "message_ignored", "invader ignored message",
			slog.String("sender", m.Sender),
			slog.String("zone", m.Zone),
		)
		return nil
	}

	h.log.Info(ctx, "message_triggered", "invader noticed message",
		slog.String("sender", m.Sender),
		slog.String("zone", m.Zone),
		slog.Int("threat_level", obs.ThreatLevel),
	)
	h.reply(ctx, msg, events.Reply{
		Response:    flavor.Threat(h.lc.Source(), m.Sender, m.Zone),
		InvaderType: flavor.InvaderType,
		ThreatLevel: obs.ThreatLevel,
		Timestamp:   h.now().UTC(),
	})
	return nil
}

func (h *Handlers) Invasion(ctx context.Context, msg mqx.Message, ev events.Invasion) error {
	inv, created, err := h.lc.Register(ctx, ev)
	if errors.Is(err, lifecycle.ErrMissingID) {
		return &mqx.MalformedMessageError{Queue: msg.Queue, Err: err}
	}
	if err != nil {
		return err
	}
	status := StatusInvasionConfirmed
	if !created {
		h.log.Debug(ctx, "invasion_duplicate", "invasion already registered",
			slog.String("invasion_id", inv.ID),
			slog.String("status", inv.Status),
		)
		if inv.Status == workflow.InvasionStatusResolved {
			status = StatusInvasionResolved
		}
	}

	h.reply(ctx, msg, events.Reply{
		Response:          flavor.Confirmation(h.lc.Source(), inv.Invader, inv.Target, inv.Zone, inv.Covenant),
		InvasionID:        inv.ID,
		Status:            status,
		EstimatedDuration: inv.DurationMS,
		Timestamp:         h.now().UTC(),
	})
	return nil
}

// reply failures are logged and swallowed: the work is done and a retry
// would only repeat it.
func (h *Handlers) reply(ctx context.Context, msg mqx.Message, body events.Reply) {
	if h.replies == nil {
		return
	}
	sent, err := h.replies.Reply(ctx, msg, body)
	if err != nil {
		h.log.Warn(ctx, "reply_failed", "could not deliver reply",
			slog.String("reply_to", msg.ReplyTo),
			slog.String("correlation_id", msg.CorrelationID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		h.log.Debug(ctx, "reply_sent", "reply delivered",
			slog.String("reply_to", msg.ReplyTo),
			slog.String("correlation_id", msg.CorrelationID),
		)
	}
}
