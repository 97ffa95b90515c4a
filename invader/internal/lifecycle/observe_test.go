package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ashen-realm/shared/chance"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
)

func TestThreatLevel(t *testing.T) {
	cases := []struct {
		text string
		zone string
		want int
	}{
		{"hello there", "Firelink Shrine", 1},
		{"I will DESTROY you", "Firelink Shrine", 2},
		{"destroy", "New Londo Ruins", 4},
		{"kill the noob, easy ganker", "Catacombs", 5},
		{"praise the sun", "Darkroot Basin", 3},
	}
	for _, c := range cases {
		if got := ThreatLevel(c.text, c.zone); got != c.want {
			t.Fatalf("ThreatLevel(%q, %q) = %d, want %d", c.text, c.zone, got, c.want)
		}
	}
}

func TestTriggered(t *testing.T) {
	if !Triggered("anyone up for a DUEL?", "Firelink Shrine") {
		t.Fatalf("expected trigger word to match")
	}
	if !Triggered("hello", "Forest Hunter Glade") {
		t.Fatalf("expected hunting ground to match")
	}
	if Triggered("hello", "Firelink Shrine") {
		t.Fatalf("expected quiet message to be ignored")
	}
}

func TestObserveIgnoresQuietMessages(t *testing.T) {
	spawned := 0
	l := New(Options{
		AutoChance: 1,
		Spawn:      func(context.Context, events.Invasion) error { spawned++; return nil },
		Logger:     logx.Nop(),
	})
	obs := l.Observe(context.Background(), events.NewMessage("K", "hello", ""))
	if obs.Triggered || obs.AutoInvasion != nil || spawned != 0 {
		t.Fatalf("unexpected observation: %#v", obs)
	}
	if l.Stats().MessagesObserved != 1 {
		t.Fatalf("expected the message to be counted")
	}
}

func TestObserveSpawnsAutoInvasion(t *testing.T) {
	var got []events.Invasion
	l := New(Options{
		Source:     chance.Seeded(4),
		AutoChance: 1,
		Spawn: func(_ context.Context, inv events.Invasion) error {
			got = append(got, inv)
			return nil
		},
		Logger: logx.Nop(),
	})

	obs := l.Observe(context.Background(), events.NewMessage("Knight", "fight me, coward", "Catacombs"))
	if !obs.Triggered || obs.ThreatLevel != 3 || obs.AutoInvasion == nil {
		t.Fatalf("unexpected observation: %#v", obs)
	}
	if len(got) != 1 {
		t.Fatalf("expected one spawn, got %d", len(got))
	}
	inv := got[0]
	if !strings.HasPrefix(inv.ID, "auto_") || inv.Target != "Knight" || inv.Zone != "Catacombs" ||
		inv.Covenant != events.AutoCovenant || inv.Type != events.KindAutoInvasion {
		t.Fatalf("unexpected auto invasion: %#v", inv)
	}
}

func TestObserveRespectsChance(t *testing.T) {
	spawned := 0
	l := New(Options{
		Source:     constSource(0.5),
		AutoChance: 0.3,
		Spawn:      func(context.Context, events.Invasion) error { spawned++; return nil },
		Logger:     logx.Nop(),
	})
	obs := l.Observe(context.Background(), events.NewMessage("K", "pvp?", ""))
	if !obs.Triggered || obs.AutoInvasion != nil || spawned != 0 {
		t.Fatalf("expected no spawn when the roll misses: %#v", obs)
	}
}

func TestObserveRateLimitsAutoInvasions(t *testing.T) {
	clock := newFakeClock()
	spawned := 0
	l := New(Options{
		Source:        chance.Seeded(8),
		Now:           clock.Now,
		AutoChance:    1,
		AutoPerMinute: 1,
		AutoBurst:     1,
		Spawn:         func(context.Context, events.Invasion) error { spawned++; return nil },
		Logger:        logx.Nop(),
	})
	msg := events.NewMessage("K", "duel", "")

	if obs := l.Observe(context.Background(), msg); obs.AutoInvasion == nil {
		t.Fatalf("expected first auto invasion: %#v", obs)
	}
	for i := 0; i < 10; i++ {
		if obs := l.Observe(context.Background(), msg); obs.Suppressed != SuppressedRateLimited {
			t.Fatalf("expected burst to be rate limited, got %#v", obs)
		}
	}
	clock.Advance(61 * time.Second)
	if obs := l.Observe(context.Background(), msg); obs.AutoInvasion == nil {
		t.Fatalf("expected the limiter to refill: %#v", obs)
	}
	if spawned != 2 {
		t.Fatalf("expected 2 spawns, got %d", spawned)
	}
}

func TestObserveCapsActiveSyntheticInvasions(t *testing.T) {
	var l *Lifecycle
	l = New(Options{
		Source:        chance.Seeded(3),
		AutoChance:    1,
		AutoMaxActive: 2,
		Spawn: func(ctx context.Context, inv events.Invasion) error {
			_, _, err := l.Register(ctx, inv)
			return err
		},
		Logger: logx.Nop(),
	})
	msg := events.NewMessage("K", "invade me", "Anor Londo")
	for i := 0; i < 2; i++ {
		if obs := l.Observe(context.Background(), msg); obs.AutoInvasion == nil {
			t.Fatalf("expected spawn %d: %#v", i, obs)
		}
	}
	obs := l.Observe(context.Background(), msg)
	if obs.Suppressed != SuppressedMaxActive {
		t.Fatalf("expected cap to suppress, got %#v", obs)
	}
	if st := l.Stats(); st.SyntheticActive != 2 || st.ActiveInvasions != 2 {
		t.Fatalf("unexpected stats: %#v", st)
	}

	// a player invasion does not count against the synthetic cap
	_, _, _ = l.Register(context.Background(), invasion("player-1", "Anor Londo"))
	if obs := l.Observe(context.Background(), msg); obs.Suppressed != SuppressedMaxActive {
		t.Fatalf("expected cap to still apply, got %#v", obs)
	}
}

func TestObservePendingSpawnsCountAgainstCap(t *testing.T) {
	clock := newFakeClock()
	spawned := 0
	l := New(Options{
		Source:        chance.Seeded(3),
		Now:           clock.Now,
		AutoChance:    1,
		AutoMaxActive: 1,
		Spawn:         func(context.Context, events.Invasion) error { spawned++; return nil },
		Logger:        logx.Nop(),
	})
	msg := events.NewMessage("K", "weak", "")
	l.Observe(context.Background(), msg)
	if obs := l.Observe(context.Background(), msg); obs.Suppressed != SuppressedMaxActive {
		t.Fatalf("expected the unregistered spawn to hold the slot, got %#v", obs)
	}
	clock.Advance(2 * time.Minute)
	if obs := l.Observe(context.Background(), msg); obs.AutoInvasion == nil {
		t.Fatalf("expected the stale spawn to release its slot, got %#v", obs)
	}
	if spawned != 2 {
		t.Fatalf("expected 2 spawns, got %d", spawned)
	}
}

func TestObserveSpawnFailure(t *testing.T) {
	l := New(Options{
		AutoChance:    1,
		AutoMaxActive: 1,
		Spawn:         func(context.Context, events.Invasion) error { return errors.New("broker down") },
		Logger:        logx.Nop(),
	})
	msg := events.NewMessage("K", "noob", "")
	for i := 0; i < 3; i++ {
		if obs := l.Observe(context.Background(), msg); obs.Suppressed != SuppressedSpawnFailed {
			t.Fatalf("expected spawn failure, got %#v", obs)
		}
	}
}
