package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"ashen-realm/gamemaster/internal/realm"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
)

type fakeReplier struct {
	err     error
	replies []events.Reply
}

func (r *fakeReplier) Reply(_ context.Context, msg mqx.Message, body any) (bool, error) {
	if msg.ReplyTo == "" {
		return false, nil
	}
	if r.err != nil {
		return false, r.err
	}
	r.replies = append(r.replies, body.(events.Reply))
	return true, nil
}

type fakeBinder struct{ queues []string }

func (b *fakeBinder) Bind(queue string, _ mqx.HandlerFunc) error {
	b.queues = append(b.queues, queue)
	return nil
}

type constSource float64

func (c constSource) Float64() float64 { return float64(c) }

var fixed = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newHandlers(r *fakeReplier, casualChance float64) (*Handlers, *realm.Realm) {
	rm := realm.New(realm.Options{
		CasualReplyChance: casualChance,
		Source:            constSource(0),
		Now:               func() time.Time { return fixed },
		Logger:            logx.Nop(),
	})
	return New(rm, r, func() time.Time { return fixed }, logx.Nop()), rm
}

func delivery(replyTo string) mqx.Message {
	return mqx.Message{Queue: "q", ReplyTo: replyTo, CorrelationID: "corr-1", Attempt: 1}
}

func TestBindsMessagesAndEvents(t *testing.T) {
	h, _ := newHandlers(&fakeReplier{}, 0)
	b := &fakeBinder{}
	if err := h.Bind(b, "ashen_messages", "ashen_events"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(b.queues) != 2 || b.queues[0] != "ashen_messages" || b.queues[1] != "ashen_events" {
		t.Fatalf("unexpected bindings: %v", b.queues)
	}
}

func TestBonfireGetsBlessing(t *testing.T) {
	r := &fakeReplier{}
	h, rm := newHandlers(r, 0)
	ev := events.NewBonfire("Solaire", "Firelink", "")

	if err := h.Event(context.Background(), delivery("amq.gen-1"), ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if len(r.replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(r.replies))
	}
	got := r.replies[0]
	if got.EventType != realm.EventBonfireBlessing || got.Experience != realm.BlessingExperience || got.Reward == "" || got.Response == "" {
		t.Fatalf("unexpected reply: %#v", got)
	}
	if !got.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected timestamp %s", got.Timestamp)
	}
	p, ok := rm.Player("Solaire")
	if !ok || p.BonfiresLit != 1 || p.Experience != realm.BlessingExperience {
		t.Fatalf("unexpected player: %#v", p)
	}
}

func TestResolutionOnEventsQueueIsIgnored(t *testing.T) {
	r := &fakeReplier{}
	h, rm := newHandlers(r, 0)
	ev := events.Bonfire{ID: "res-1", Type: events.KindInvasionResolved}
	if err := h.Event(context.Background(), delivery("amq.gen-1"), ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if len(r.replies) != 0 || rm.Stats().BonfiresLit != 0 {
		t.Fatalf("expected resolution to be ignored")
	}
}

func TestBonfireWithoutPlayerIsMalformed(t *testing.T) {
	h, _ := newHandlers(&fakeReplier{}, 0)
	err := h.Event(context.Background(), delivery(""), events.Bonfire{Type: events.KindBonfireLit, Bonfire: "Firelink"})
	if !mqx.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestPlayfulMessageGetsQuest(t *testing.T) {
	r := &fakeReplier{}
	h, rm := newHandlers(r, 0)
	if err := h.Message(context.Background(), delivery("amq.gen-2"), events.NewMessage("Siegmeyer", "time for an adventure", "Blighttown")); err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(r.replies) != 1 {
		t.Fatalf("expected a quest reply")
	}
	got := r.replies[0]
	if got.EventType == "" || got.Reward == "" || got.Difficulty == "" || got.Response == "" {
		t.Fatalf("incomplete quest reply: %#v", got)
	}
	if rm.Stats().TotalEvents != 1 {
		t.Fatalf("expected quest to be counted")
	}
}

func TestPlainMessageGetsCasualLine(t *testing.T) {
	r := &fakeReplier{}
	h, _ := newHandlers(r, 1)
	if err := h.Message(context.Background(), delivery("amq.gen-3"), events.NewMessage("Oscar", "hello", "")); err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(r.replies) != 1 || r.replies[0].Response == "" || r.replies[0].EventType != "" {
		t.Fatalf("unexpected replies: %#v", r.replies)
	}
}

func TestSilentMessageGetsNoReply(t *testing.T) {
	r := &fakeReplier{}
	h, rm := newHandlers(r, 0)
	if err := h.Message(context.Background(), delivery("amq.gen-3"), events.NewMessage("Oscar", "hello", "")); err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(r.replies) != 0 {
		t.Fatalf("expected no reply")
	}
	if p, ok := rm.Player("Oscar"); !ok || p.MessagesSent != 1 {
		t.Fatalf("expected the message to be recorded")
	}
}

func TestEmptyMessageIsMalformed(t *testing.T) {
	h, _ := newHandlers(&fakeReplier{}, 0)
	err := h.Message(context.Background(), delivery(""), events.Message{Sender: "K"})
	if !mqx.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestReplyFailureDoesNotFailDelivery(t *testing.T) {
	h, rm := newHandlers(&fakeReplier{err: errors.New("channel closed")}, 0)
	if err := h.Event(context.Background(), delivery("amq.gen-4"), events.NewBonfire("A", "B", "")); err != nil {
		t.Fatalf("expected reply failure to be swallowed, got %v", err)
	}
	if rm.Stats().BonfiresLit != 1 {
		t.Fatalf("expected bonfire to be recorded")
	}
}
