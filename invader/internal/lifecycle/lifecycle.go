package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ashen-realm/invader/internal/flavor"
	"ashen-realm/shared/chance"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/workflow"
)

const (
	DefaultBaseDuration  = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultHistoryCap    = 50
	DefaultResolvedCap   = 4096
)

var ErrMissingID = errors.New("invasion id is required")

type Outcome string

const (
	OutcomeInvaderVictory   Outcome = "INVADER_VICTORY"
	OutcomeTargetVictory    Outcome = "TARGET_VICTORY"
	OutcomeInvaderRetreated Outcome = "INVADER_RETREATED"
	OutcomeConnectionLost   Outcome = "CONNECTION_LOST"
	OutcomeDraw             Outcome = "DRAW"
)

func Outcomes() []Outcome {
	return []Outcome{
		OutcomeInvaderVictory,
		OutcomeTargetVictory,
		OutcomeInvaderRetreated,
		OutcomeConnectionLost,
		OutcomeDraw,
	}
}

func ValidOutcome(o Outcome) bool {
	for _, v := range Outcomes() {
		if v == o {
			return true
		}
	}
	return false
}

// ZoneMultipliers scale the base duration. Unlisted zones use 1.0.
var ZoneMultipliers = map[string]float64{
	"Anor Londo":      2.0,
	"Sen's Fortress":  1.5,
	"Catacombs":       1.8,
	"New Londo Ruins": 1.7,
	"Darkroot Garden": 1.6,
	"Firelink Shrine": 0.5,
}

type Invasion struct {
	ID         string        `json:"id"`
	Invader    string        `json:"invader"`
	Target     string        `json:"target"`
	Zone       string        `json:"zone"`
	Covenant   string        `json:"covenant"`
	Synthetic  bool          `json:"synthetic"`
	StartTime  time.Time     `json:"startTime"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration"`
	Status     string        `json:"status"`
}

type Record struct {
	Invasion
	Outcome          Outcome       `json:"outcome"`
	EndTime          time.Time     `json:"endTime"`
	ActualDuration   time.Duration `json:"-"`
	ActualDurationMS int64         `json:"actualDuration"`
}

// Event is the message published for a resolved invasion.
func (r Record) Event() events.InvasionResolved {
	return events.InvasionResolved{
		ID:               events.NewID(),
		InvasionID:       r.ID,
		Invader:          r.Invader,
		Target:           r.Target,
		Zone:             r.Zone,
		Covenant:         r.Covenant,
		Outcome:          string(r.Outcome),
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		DurationMS:       r.DurationMS,
		ActualDurationMS: r.ActualDurationMS,
		Type:             events.KindInvasionResolved,
	}
}

type Stats struct {
	TotalInvasions   int             `json:"totalInvasions"`
	ActiveInvasions  int             `json:"activeInvasions"`
	Completed        int             `json:"completedInvasions"`
	SyntheticActive  int             `json:"syntheticActive"`
	MessagesObserved int             `json:"messagesObserved"`
	Outcomes         map[Outcome]int `json:"outcomes"`
	// SuccessRate is the share of invader victories in history, in percent.
	SuccessRate float64 `json:"successRate"`
}

type Snapshot struct {
	Active  []Invasion `json:"active"`
	History []Record   `json:"history"`
	Stats   Stats      `json:"stats"`
}

// Notifier is told about every resolution after the registry lock is released.
type Notifier interface {
	InvasionResolved(ctx context.Context, rec Record)
}

// Spawner delivers a synthetic invasion, normally back onto the invasions queue.
type Spawner func(ctx context.Context, inv events.Invasion) error

type Options struct {
	BaseDuration   time.Duration
	HistoryCap     int
	// ResolvedCap bounds how many resolved ids are remembered for
	// redelivery detection. It never drops below HistoryCap.
	ResolvedCap    int
	Multipliers    map[string]float64
	Chooser        chance.Chooser[Outcome]
	OutcomeWeights []chance.Choice[Outcome]
	Source         chance.Source
	Now            func() time.Time
	Notifier       Notifier
	Logger         logx.Logger

	AutoChance    float64
	AutoPerMinute float64
	AutoBurst     int
	AutoMaxActive int
	Invaders      []string
	Spawn         Spawner
}

// Lifecycle owns the active invasion registry and the resolution history of
// one process. Nothing is shared across replicas.
type Lifecycle struct {
	base        time.Duration
	multipliers map[string]float64
	choose      chance.Chooser[Outcome]
	weights     []chance.Choice[Outcome]
	src         chance.Source
	now         func() time.Time
	notifier    Notifier
	log         logx.Logger

	autoChance    float64
	autoMaxActive int
	invaders      []string
	spawn         Spawner
	limiter       *rate.Limiter

	mu          sync.Mutex
	active      map[string]*Invasion
	pendingAuto map[string]time.Time
	history     *history
	resolved    *resolvedSet
	total       int
	observed    int
}

func New(opts Options) *Lifecycle {
	if opts.BaseDuration <= 0 {
		opts.BaseDuration = DefaultBaseDuration
	}
	if opts.Multipliers == nil {
		opts.Multipliers = ZoneMultipliers
	}
	if opts.Chooser == nil {
		opts.Chooser = chance.Weighted[Outcome]
	}
	if len(opts.OutcomeWeights) == 0 {
		opts.OutcomeWeights = chance.Uniform(Outcomes()...)
	}
	if opts.Source == nil {
		opts.Source = chance.NewLocked(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Invaders) == 0 {
		opts.Invaders = flavor.AutoInvaders
	}
	limit := rate.Inf
	if opts.AutoPerMinute > 0 {
		limit = rate.Limit(opts.AutoPerMinute / 60)
	}
	if opts.ResolvedCap <= 0 {
		opts.ResolvedCap = DefaultResolvedCap
	}
	burst := opts.AutoBurst
	if burst <= 0 {
		burst = 1
	}
	return &Lifecycle{
		base:          opts.BaseDuration,
		multipliers:   opts.Multipliers,
		choose:        opts.Chooser,
		weights:       opts.OutcomeWeights,
		src:           opts.Source,
		now:           opts.Now,
		notifier:      opts.Notifier,
		log:           opts.Logger,
		autoChance:    opts.AutoChance,
		autoMaxActive: opts.AutoMaxActive,
		invaders:      opts.Invaders,
		spawn:         opts.Spawn,
		limiter:       rate.NewLimiter(limit, burst),
		active:        map[string]*Invasion{},
		pendingAuto:   map[string]time.Time{},
		history:       newHistory(opts.HistoryCap),
		resolved:      newResolvedSet(max(opts.ResolvedCap, opts.HistoryCap)),
	}
}

// Source exposes the random source so replies share the seeded stream.
func (l *Lifecycle) Source() chance.Source { return l.src }

// Multiplier returns the duration multiplier of zone.
func (l *Lifecycle) Multiplier(zone string) float64 {
	if m, ok := l.multipliers[zone]; ok {
		return m
	}
	return 1.0
}

// Register starts tracking ev. The first registration of an id wins: later
// ones return the stored invasion and created=false, and never recompute
// its duration. A redelivery of an id that already resolved returns the
// resolved invasion and is never tracked again.
func (l *Lifecycle) Register(ctx context.Context, ev events.Invasion) (Invasion, bool, error) {
	id := strings.TrimSpace(ev.ID)
	if id == "" {
		return Invasion{}, false, ErrMissingID
	}

	l.mu.Lock()
	if existing, ok := l.active[id]; ok {
		inv := *existing
		l.mu.Unlock()
		return inv, false, nil
	}
	status := workflow.InvasionStatusCreated
	rec, seen := l.resolved.get(id)
	if seen {
		status = rec.Status
	}
	if _, err := workflow.Transition(status, workflow.InvasionStatusActive); err != nil {
		l.mu.Unlock()
		if !seen {
			return Invasion{}, false, err
		}
		l.log.Debug(ctx, "invasion_already_resolved", "ignoring redelivered invasion",
			slog.String("invasion_id", id),
			slog.String("outcome", string(rec.Outcome)),
		)
		return rec.Invasion, false, nil
	}

	// jitter is uniform in [0.5, 1.5); durations are whole milliseconds
	jitter := 0.5 + l.src.Float64()
	ms := math.Floor(float64(l.base.Milliseconds()) * l.Multiplier(ev.Zone) * jitter)
	inv := &Invasion{
		ID:         id,
		Invader:    ev.Invader,
		Target:     ev.Target,
		Zone:       ev.Zone,
		Covenant:   ev.Covenant,
		Synthetic:  ev.Type == events.KindAutoInvasion,
		StartTime:  l.now(),
		Duration:   time.Duration(ms) * time.Millisecond,
		DurationMS: int64(ms),
		Status:     workflow.InvasionStatusActive,
	}
	l.active[id] = inv
	delete(l.pendingAuto, id)
	l.total++
	activeCount := len(l.active)
	out := *inv
	l.mu.Unlock()

	source := "player"
	if out.Synthetic {
		source = "auto"
	}
	metricsx.IncInvasionRegistered(source)
	metricsx.SetInvasionsActive(activeCount)
	l.log.Info(ctx, workflow.InvasionEventRegistered, "invasion registered",
		slog.String("invasion_id", out.ID),
		slog.String("invader", out.Invader),
		slog.String("target", out.Target),
		slog.String("zone", out.Zone),
		slog.Int64("duration_ms", out.DurationMS),
		slog.Int("active", activeCount),
	)
	return out, true, nil
}

// Sweep resolves every active invasion whose duration has elapsed.
func (l *Lifecycle) Sweep(ctx context.Context) []Record {
	now := l.now()

	l.mu.Lock()
	var resolved []Record
	for id, inv := range l.active {
		elapsed := now.Sub(inv.StartTime)
		if elapsed < inv.Duration {
			continue
		}
		if _, err := workflow.Transition(inv.Status, workflow.InvasionStatusResolved); err != nil {
			continue
		}
		outcome, err := l.choose(l.src, l.weights)
		if err != nil || !ValidOutcome(outcome) {
			outcome = OutcomeDraw
		}
		rec := Record{
			Invasion:         *inv,
			Outcome:          outcome,
			EndTime:          now,
			ActualDuration:   elapsed,
			ActualDurationMS: elapsed.Milliseconds(),
		}
		rec.Status = workflow.InvasionStatusResolved
		delete(l.active, id)
		resolved = append(resolved, rec)
	}
	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].StartTime.Equal(resolved[j].StartTime) {
			return resolved[i].ID < resolved[j].ID
		}
		return resolved[i].StartTime.Before(resolved[j].StartTime)
	})
	for _, rec := range resolved {
		l.history.push(rec)
		l.resolved.add(rec)
	}
	activeCount := len(l.active)
	l.mu.Unlock()

	if len(resolved) == 0 {
		return nil
	}
	metricsx.SetInvasionsActive(activeCount)
	for _, rec := range resolved {
		metricsx.IncInvasionResolved(string(rec.Outcome), rec.ActualDuration)
		l.log.Info(ctx, workflow.InvasionEventResolved, flavor.Outcome(string(rec.Outcome), rec.Invader, rec.Target),
			slog.String("invasion_id", rec.ID),
			slog.String("outcome", string(rec.Outcome)),
			slog.Int64("actual_duration_ms", rec.ActualDurationMS),
		)
		if l.notifier != nil {
			l.notifier.InvasionResolved(ctx, rec)
		}
	}
	return resolved
}

// Run sweeps on every tick until ctx ends.
func (l *Lifecycle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

func (l *Lifecycle) Get(id string) (Invasion, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.active[id]
	if !ok {
		return Invasion{}, false
	}
	return *inv, true
}

func (l *Lifecycle) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history.list()
}

func (l *Lifecycle) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Lifecycle) statsLocked() Stats {
	st := Stats{
		TotalInvasions:   l.total,
		ActiveInvasions:  len(l.active),
		Completed:        l.history.len(),
		SyntheticActive:  l.syntheticActiveLocked(),
		MessagesObserved: l.observed,
		Outcomes:         map[Outcome]int{},
	}
	for _, rec := range l.history.list() {
		st.Outcomes[rec.Outcome]++
	}
	if st.Completed > 0 {
		pct := float64(st.Outcomes[OutcomeInvaderVictory]) / float64(st.Completed) * 100
		st.SuccessRate = math.Round(pct*10) / 10
	}
	return st
}

func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := make([]Invasion, 0, len(l.active))
	for _, inv := range l.active {
		active = append(active, *inv)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].StartTime.Equal(active[j].StartTime) {
			return active[i].ID < active[j].ID
		}
		return active[i].StartTime.Before(active[j].StartTime)
	})
	return Snapshot{Active: active, History: l.history.list(), Stats: l.statsLocked()}
}

// Reset drops all in-memory state. Active invasions are lost.
func (l *Lifecycle) Reset(ctx context.Context) {
	l.mu.Lock()
	dropped := len(l.active)
	l.active = map[string]*Invasion{}
	l.pendingAuto = map[string]time.Time{}
	l.history.reset()
	l.resolved.reset()
	l.total, l.observed = 0, 0
	l.mu.Unlock()

	metricsx.SetInvasionsActive(0)
	if dropped > 0 {
		l.log.Warn(ctx, "invasions_dropped", "active invasions discarded", slog.Int("count", dropped))
	}
}

func (l *Lifecycle) syntheticActiveLocked() int {
	n := 0
	for _, inv := range l.active {
		if inv.Synthetic {
			n++
		}
	}
	return n
}
