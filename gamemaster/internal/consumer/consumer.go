// Package consumer feeds chat and realm events into the game master and
// answers on the request's reply queue.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"ashen-realm/gamemaster/internal/realm"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
)

type Replier interface {
	Reply(ctx context.Context, msg mqx.Message, body any) (bool, error)
}

type Binder interface {
	Bind(queue string, h mqx.HandlerFunc) error
}

type Handlers struct {
	realm   *realm.Realm
	replies Replier
	now     func() time.Time
	log     logx.Logger
}

func New(r *realm.Realm, replies Replier, now func() time.Time, log logx.Logger) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{realm: r, replies: replies, now: now, log: log}
}

// Bind attaches the chat handler to messagesQueue and the realm event
// handler to eventsQueue. The invader consumes messagesQueue too, so each
// chat line reaches only one of them.
func (h *Handlers) Bind(d Binder, messagesQueue string, eventsQueue string) error {
	if err := d.Bind(messagesQueue, mqx.Decode(h.Message)); err != nil {
		return err
	}
	return d.Bind(eventsQueue, mqx.Decode(h.Event))
}

func (h *Handlers) Message(ctx context.Context, msg mqx.Message, m events.Message) error {
	if strings.TrimSpace(m.Message) == "" {
		return &mqx.MalformedMessageError{Queue: msg.Queue, Err: errors.New("message text is required")}
	}

	got := h.realm.Observe(ctx, m)
	switch {
	case got.Quest != nil:
		h.reply(ctx, msg, events.Reply{
			Response:   got.Quest.Description,
			EventType:  got.Quest.Type,
			Reward:     got.Quest.Reward,
			Difficulty: got.Quest.Difficulty,
			Timestamp:  h.now().UTC(),
		})
	case got.Casual != "":
		h.reply(ctx, msg, events.Reply{Response: got.Casual, Timestamp: h.now().UTC()})
	default:
		h.log.Debug(ctx, "message_ignored", "game master stayed silent",
			slog.String("sender", m.Sender),
			slog.String("zone", m.Zone),
		)
	}
	return nil
}

// Event handles everything routed to the events queue. Only lit bonfires get
// an answer; resolutions and other kinds are acknowledged and dropped.
func (h *Handlers) Event(ctx context.Context, msg mqx.Message, b events.Bonfire) error {
	if b.Type != events.KindBonfireLit {
		h.log.Debug(ctx, "event_ignored", "game master ignored event",
			slog.String("type", string(b.Type)),
			slog.String("event_id", b.ID),
		)
		return nil
	}
	if strings.TrimSpace(b.Player) == "" {
		return &mqx.MalformedMessageError{Queue: msg.Queue, Err: errors.New("bonfire player is required")}
	}

	blessing := h.realm.LightBonfire(ctx, b)
	h.reply(ctx, msg, events.Reply{
		Response:   blessing.Line,
		EventType:  realm.EventBonfireBlessing,
		Reward:     blessing.Reward,
		Experience: realm.BlessingExperience,
		Timestamp:  h.now().UTC(),
	})
	return nil
}

// reply failures are logged and swallowed: the stats are already updated and
// a retry would count the delivery twice.
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
