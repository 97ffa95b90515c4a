package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ashen-realm/shared/chance"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/workflow"
)

type constSource float64

func (c constSource) Float64() float64 { return float64(c) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []Record
}

func (n *recordingNotifier) InvasionResolved(_ context.Context, rec Record) {
	n.mu.Lock()
	n.records = append(n.records, rec)
	n.mu.Unlock()
}

func invasion(id string, zone string) events.Invasion {
	ev := events.NewInvasion("A", "B", zone, "X")
	ev.ID = id
	return ev
}

func TestRegisterAppliesZoneMultiplier(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{Source: constSource(0.5), Now: clock.Now, Logger: logx.Nop()})

	inv, created, err := l.Register(context.Background(), invasion("inv-1", "Catacombs"))
	if err != nil || !created {
		t.Fatalf("register: created=%v err=%v", created, err)
	}
	// jitter 0.5 + 0.5 = 1.0, Catacombs multiplier 1.8
	if inv.Duration != 108*time.Second || inv.DurationMS != 108000 {
		t.Fatalf("expected 108s duration, got %v (%d ms)", inv.Duration, inv.DurationMS)
	}
	got, ok := l.Get("inv-1")
	if !ok || got.Status != workflow.InvasionStatusActive || got.Zone != "Catacombs" || !got.StartTime.Equal(clock.Now()) {
		t.Fatalf("unexpected stored invasion: %#v", got)
	}
}

func TestUnlistedZoneUsesUnitMultiplier(t *testing.T) {
	l := New(Options{Source: constSource(0.5), Logger: logx.Nop()})
	inv, _, err := l.Register(context.Background(), invasion("inv-1", "Painted World"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inv.Duration != DefaultBaseDuration {
		t.Fatalf("expected base duration, got %v", inv.Duration)
	}
}

func TestDurationStaysWithinJitterBounds(t *testing.T) {
	l := New(Options{Source: chance.Seeded(11), Logger: logx.Nop()})
	for zone, mult := range ZoneMultipliers {
		lo := time.Duration(float64(DefaultBaseDuration) * mult * 0.5)
		hi := time.Duration(float64(DefaultBaseDuration) * mult * 1.5)
		for i := 0; i < 500; i++ {
			inv, _, err := l.Register(context.Background(), invasion(fmt.Sprintf("%s-%d", zone, i), zone))
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if inv.Duration < lo-time.Millisecond || inv.Duration >= hi {
				t.Fatalf("duration %v for %s outside [%v, %v)", inv.Duration, zone, lo, hi)
			}
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	l := New(Options{Source: chance.Seeded(1), Logger: logx.Nop()})
	first, _, _ := l.Register(context.Background(), invasion("inv-1", "Anor Londo"))

	again, created, err := l.Register(context.Background(), invasion("inv-1", "Firelink Shrine"))
	if err != nil || created {
		t.Fatalf("expected existing invasion, created=%v err=%v", created, err)
	}
	if again.Duration != first.Duration || again.Zone != "Anor Londo" {
		t.Fatalf("duration was recomputed: %#v vs %#v", first, again)
	}
	if st := l.Stats(); st.TotalInvasions != 1 || st.ActiveInvasions != 1 {
		t.Fatalf("unexpected stats: %#v", st)
	}
}

func TestRegisterRequiresID(t *testing.T) {
	l := New(Options{Logger: logx.Nop()})
	if _, _, err := l.Register(context.Background(), invasion("  ", "Catacombs")); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestRedeliveredResolvedInvasionIsNotTrackedAgain(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	l := New(Options{Source: constSource(0.5), Now: clock.Now, Notifier: notifier, Logger: logx.Nop()})
	ev := invasion("inv-1", "Catacombs")

	if _, created, err := l.Register(context.Background(), ev); err != nil || !created {
		t.Fatalf("register: created=%v err=%v", created, err)
	}
	clock.Advance(200 * time.Second)
	if got := l.Sweep(context.Background()); len(got) != 1 {
		t.Fatalf("expected one resolution, got %d", len(got))
	}

	again, created, err := l.Register(context.Background(), ev)
	if err != nil || created {
		t.Fatalf("expected redelivery to be ignored, created=%v err=%v", created, err)
	}
	if again.ID != "inv-1" || again.Status != workflow.InvasionStatusResolved {
		t.Fatalf("expected the resolved invasion back, got %#v", again)
	}
	if _, ok := l.Get("inv-1"); ok {
		t.Fatalf("resolved invasion became active again")
	}

	clock.Advance(200 * time.Second)
	if got := l.Sweep(context.Background()); len(got) != 0 {
		t.Fatalf("invasion resolved twice")
	}
	count := 0
	for _, rec := range l.History() {
		if rec.ID == "inv-1" {
			count++
		}
	}
	if count != 1 || len(notifier.records) != 1 {
		t.Fatalf("expected one history record and one notification, got %d and %d", count, len(notifier.records))
	}
	if st := l.Stats(); st.TotalInvasions != 1 {
		t.Fatalf("redelivery counted as a new invasion: %#v", st)
	}
}

func TestResolvedIDsOutliveHistory(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{BaseDuration: time.Millisecond, HistoryCap: 2, ResolvedCap: 3, Multipliers: map[string]float64{}, Source: constSource(0.5), Now: clock.Now, Logger: logx.Nop()})

	for i := 0; i < 4; i++ {
		if _, _, err := l.Register(context.Background(), invasion(fmt.Sprintf("inv-%d", i), "")); err != nil {
			t.Fatalf("register: %v", err)
		}
		clock.Advance(time.Second)
		l.Sweep(context.Background())
	}
	if n := l.resolved.len(); n != 3 {
		t.Fatalf("expected 3 remembered ids, got %d", n)
	}

	// inv-1 left the history but is still remembered
	if _, created, _ := l.Register(context.Background(), invasion("inv-1", "")); created {
		t.Fatalf("inv-1 registered again after leaving history")
	}
	// inv-0 was forgotten once the set filled up
	if _, created, _ := l.Register(context.Background(), invasion("inv-0", "")); !created {
		t.Fatalf("expected the oldest resolved id to be forgotten")
	}
}

func TestSweepResolvesWithinOneInterval(t *testing.T) {
	const interval = 10 * time.Second
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	l := New(Options{Source: chance.Seeded(5), Now: clock.Now, Notifier: notifier, Logger: logx.Nop()})

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("inv-%d", i)
		ids = append(ids, id)
		if _, _, err := l.Register(context.Background(), invasion(id, "Darkroot Garden")); err != nil {
			t.Fatalf("register: %v", err)
		}
		clock.Advance(1500 * time.Millisecond)
	}

	for step := 0; step < 100 && l.Stats().ActiveInvasions > 0; step++ {
		clock.Advance(interval)
		l.Sweep(context.Background())
	}

	hist := l.History()
	if len(hist) != len(ids) {
		t.Fatalf("expected %d resolved, got %d", len(ids), len(hist))
	}
	seen := map[string]int{}
	for _, rec := range hist {
		seen[rec.ID]++
		actual := rec.EndTime.Sub(rec.StartTime)
		if actual < rec.Duration || actual >= rec.Duration+interval {
			t.Fatalf("invasion %s resolved after %v, duration %v", rec.ID, actual, rec.Duration)
		}
		if rec.ActualDuration != actual || rec.Status != workflow.InvasionStatusResolved {
			t.Fatalf("unexpected record: %#v", rec)
		}
		if !ValidOutcome(rec.Outcome) {
			t.Fatalf("invalid outcome %q", rec.Outcome)
		}
		if _, ok := l.Get(rec.ID); ok {
			t.Fatalf("resolved invasion %s still active", rec.ID)
		}
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Fatalf("invasion %s resolved %d times", id, seen[id])
		}
	}
	if len(notifier.records) != len(ids) {
		t.Fatalf("expected %d notifications, got %d", len(ids), len(notifier.records))
	}

	clock.Advance(time.Hour)
	if again := l.Sweep(context.Background()); len(again) != 0 {
		t.Fatalf("expected no further resolutions, got %d", len(again))
	}
}

func TestSweepDoesNotResolveEarly(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{Source: constSource(0), Now: clock.Now, Logger: logx.Nop()})
	// jitter 0.5 with Firelink Shrine 0.5 gives 15s
	inv, _, _ := l.Register(context.Background(), invasion("inv-1", "Firelink Shrine"))
	if inv.Duration != 15*time.Second {
		t.Fatalf("unexpected duration %v", inv.Duration)
	}

	clock.Advance(15*time.Second - time.Millisecond)
	if got := l.Sweep(context.Background()); len(got) != 0 {
		t.Fatalf("resolved before duration elapsed")
	}
	clock.Advance(time.Millisecond)
	got := l.Sweep(context.Background())
	if len(got) != 1 || got[0].ActualDuration != 15*time.Second {
		t.Fatalf("expected resolution at exactly the duration, got %#v", got)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{BaseDuration: time.Millisecond, Multipliers: map[string]float64{}, Source: constSource(0.5), Now: clock.Now, Logger: logx.Nop()})

	for i := 0; i < DefaultHistoryCap+1; i++ {
		if _, _, err := l.Register(context.Background(), invasion(fmt.Sprintf("inv-%02d", i), "")); err != nil {
			t.Fatalf("register: %v", err)
		}
		clock.Advance(time.Second)
		if got := l.Sweep(context.Background()); len(got) != 1 {
			t.Fatalf("expected one resolution per sweep, got %d", len(got))
		}
		if n := len(l.History()); n > DefaultHistoryCap {
			t.Fatalf("history grew to %d", n)
		}
	}

	hist := l.History()
	if len(hist) != DefaultHistoryCap {
		t.Fatalf("expected %d records, got %d", DefaultHistoryCap, len(hist))
	}
	for i, rec := range hist {
		want := fmt.Sprintf("inv-%02d", i+1)
		if rec.ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, rec.ID)
		}
	}
}

func TestOutcomesCoverTheFixedSet(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{BaseDuration: time.Millisecond, Source: chance.Seeded(99), Now: clock.Now, HistoryCap: 500, Logger: logx.Nop()})
	for i := 0; i < 300; i++ {
		_, _, _ = l.Register(context.Background(), invasion(fmt.Sprintf("inv-%d", i), ""))
	}
	clock.Advance(time.Second)
	resolved := l.Sweep(context.Background())
	if len(resolved) != 300 {
		t.Fatalf("expected 300 resolutions, got %d", len(resolved))
	}
	counts := map[Outcome]int{}
	for _, rec := range resolved {
		if !ValidOutcome(rec.Outcome) {
			t.Fatalf("invalid outcome %q", rec.Outcome)
		}
		counts[rec.Outcome]++
	}
	if len(counts) != len(Outcomes()) {
		t.Fatalf("expected every outcome to occur, got %#v", counts)
	}
}

func TestWeightedOutcomes(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{
		BaseDuration:   time.Millisecond,
		Source:         chance.Seeded(2),
		Now:            clock.Now,
		OutcomeWeights: []chance.Choice[Outcome]{{Value: OutcomeInvaderVictory, Weight: 1}},
		Logger:         logx.Nop(),
	})
	for i := 0; i < 10; i++ {
		_, _, _ = l.Register(context.Background(), invasion(fmt.Sprintf("inv-%d", i), ""))
	}
	clock.Advance(time.Second)
	for _, rec := range l.Sweep(context.Background()) {
		if rec.Outcome != OutcomeInvaderVictory {
			t.Fatalf("unexpected outcome %q", rec.Outcome)
		}
	}
	st := l.Stats()
	if st.SuccessRate != 100 || st.Completed != 10 || st.Outcomes[OutcomeInvaderVictory] != 10 {
		t.Fatalf("unexpected stats: %#v", st)
	}
}

func TestRunSweepsOnTicker(t *testing.T) {
	notifier := &recordingNotifier{}
	l := New(Options{BaseDuration: time.Millisecond, Multipliers: map[string]float64{}, Notifier: notifier, Logger: logx.Nop()})
	_, _, _ = l.Register(context.Background(), invasion("inv-1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(l.History()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if len(l.History()) != 1 {
		t.Fatalf("expected the ticker to resolve the invasion")
	}
}

func TestSnapshotAndReset(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{Source: constSource(0.5), Now: clock.Now, Logger: logx.Nop()})
	_, _, _ = l.Register(context.Background(), invasion("b", "Catacombs"))
	clock.Advance(time.Second)
	_, _, _ = l.Register(context.Background(), invasion("a", "Catacombs"))

	snap := l.Snapshot()
	if len(snap.Active) != 2 || snap.Active[0].ID != "b" || snap.Stats.TotalInvasions != 2 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	l.Reset(context.Background())
	if st := l.Stats(); st.ActiveInvasions != 0 || st.TotalInvasions != 0 || st.Completed != 0 {
		t.Fatalf("expected empty state after reset: %#v", st)
	}
	if n := l.resolved.len(); n != 0 {
		t.Fatalf("expected resolved ids to be cleared, got %d", n)
	}
}

func TestRecordEvent(t *testing.T) {
	rec := Record{
		Invasion: Invasion{ID: "inv-1", Invader: "A", Target: "B", Zone: "Catacombs", DurationMS: 1000},
		Outcome:  OutcomeDraw,
	}
	ev := rec.Event()
	if ev.InvasionID != "inv-1" || ev.Outcome != "DRAW" || ev.Type != events.KindInvasionResolved || ev.ID == "" || strings.Contains(ev.ID, "inv-1") {
		t.Fatalf("unexpected event: %#v", ev)
	}
}
