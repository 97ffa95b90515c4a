package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ashen-realm/shared/chance"
	"ashen-realm/shared/events"
	"ashen-realm/shared/metricsx"
)

var triggerWords = []string{
	"invade", "duel", "challenge", "fight", "pvp",
	"coward", "weak", "noob", "ganker", "tryhard",
}

// huntingGrounds are zones where any chat draws an invader.
var huntingGrounds = []string{
	"Catacombs", "New Londo Ruins", "Darkroot Garden",
	"Forest", "Anor Londo", "Demon Ruins",
}

var aggressiveWords = []string{"kill", "destroy", "noob", "easy", "ganker"}

var dangerousZones = []string{"Catacombs", "New Londo", "Darkroot"}

const maxThreatLevel = 5

// pendingAutoTTL bounds how long a spawned invasion counts against the cap
// before it is registered. Spawns that never come back stop counting.
const pendingAutoTTL = time.Minute

const (
	SuppressedRateLimited = "rate_limited"
	SuppressedMaxActive   = "max_active"
	SuppressedSpawnFailed = "spawn_failed"
)

// Triggered reports whether a chat line attracts an invader.
func Triggered(text string, zone string) bool {
	lower := strings.ToLower(text)
	for _, w := range triggerWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, z := range huntingGrounds {
		if strings.Contains(zone, z) {
			return true
		}
	}
	return false
}

// ThreatLevel scores a chat line from 1 to 5: one point per aggressive word
// and two for a dangerous zone.
func ThreatLevel(text string, zone string) int {
	lower := strings.ToLower(text)
	threat := 1
	for _, w := range aggressiveWords {
		if strings.Contains(lower, w) {
			threat++
		}
	}
	for _, z := range dangerousZones {
		if strings.Contains(zone, z) {
			threat += 2
			break
		}
	}
	return min(threat, maxThreatLevel)
}

type Observation struct {
	Triggered    bool
	ThreatLevel  int
	AutoInvasion *events.Invasion
	// Suppressed names why a rolled auto-invasion was not spawned.
	Suppressed string
}

// Observe reacts to a chat message. A triggered message may spawn a
// synthetic invasion, subject to the rate limit and the cap on active
// synthetic invasions.
func (l *Lifecycle) Observe(ctx context.Context, msg events.Message) Observation {
	l.mu.Lock()
	l.observed++
	l.mu.Unlock()

	if !Triggered(msg.Message, msg.Zone) {
		return Observation{}
	}
	obs := Observation{Triggered: true, ThreatLevel: ThreatLevel(msg.Message, msg.Zone)}
	if l.spawn == nil || !chance.Roll(l.src, l.autoChance) {
		return obs
	}

	l.mu.Lock()
	now := l.now()
	for id, at := range l.pendingAuto {
		if now.Sub(at) > pendingAutoTTL {
			delete(l.pendingAuto, id)
		}
	}
	if l.autoMaxActive > 0 && l.syntheticActiveLocked()+len(l.pendingAuto) >= l.autoMaxActive {
		l.mu.Unlock()
		return l.suppress(ctx, obs, SuppressedMaxActive)
	}
	if !l.limiter.AllowN(now, 1) {
		l.mu.Unlock()
		return l.suppress(ctx, obs, SuppressedRateLimited)
	}
	invader, err := chance.Pick(l.src, l.invaders...)
	if err != nil {
		l.mu.Unlock()
		return obs
	}
	inv := events.NewAutoInvasion(invader, msg.Sender, msg.Zone)
	l.pendingAuto[inv.ID] = now
	l.mu.Unlock()

	if err := l.spawn(ctx, inv); err != nil {
		l.mu.Lock()
		delete(l.pendingAuto, inv.ID)
		l.mu.Unlock()
		l.log.Warn(ctx, "auto_invasion_failed", "could not spawn auto invasion",
			slog.String("error", err.Error()),
			slog.String("target", msg.Sender),
		)
		return l.suppress(ctx, obs, SuppressedSpawnFailed)
	}
	l.log.Info(ctx, "auto_invasion_spawned", "auto invasion triggered",
		slog.String("invasion_id", inv.ID),
		slog.String("invader", inv.Invader),
		slog.String("target", inv.Target),
		slog.String("zone", inv.Zone),
	)
	obs.AutoInvasion = &inv
	return obs
}

func (l *Lifecycle) suppress(ctx context.Context, obs Observation, reason string) Observation {
	metricsx.IncAutoInvasionSuppressed(reason)
	if reason != SuppressedSpawnFailed {
		l.log.Debug(ctx, "auto_invasion_suppressed", "auto invasion suppressed", slog.String("reason", reason))
	}
	obs.Suppressed = reason
	return obs
}
