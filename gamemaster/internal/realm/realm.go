// Package realm is the game master's state: per-player stats built from chat
// and bonfires, quest offers, and the global events announced on a timer.
// Like the invader registry it lives in one process and is lost on restart.
package realm

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ashen-realm/shared/chance"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
)

const (
	DefaultGlobalEventMin = 2 * time.Minute
	DefaultMaxPlayers     = 10000

	// favoriteZoneChance is how often a message moves a player's favorite zone.
	favoriteZoneChance = 0.3
)

// Announcer publishes a global event, normally to the notifications queue.
type Announcer func(ctx context.Context, ev events.GlobalEvent) error

type Options struct {
	QuestChance       float64
	CasualReplyChance float64
	// MaxPlayers bounds the stats store. The least recently seen player is
	// dropped to make room.
	MaxPlayers int
	Source     chance.Source
	Now        func() time.Time
	Announce   Announcer
	Logger     logx.Logger
}

type Player struct {
	Name          string    `json:"name"`
	ZonesVisited  []string  `json:"zonesVisited"`
	MessagesSent  int       `json:"messagesSent"`
	QuestsOffered int       `json:"questsOffered"`
	BonfiresLit   int       `json:"bonfiresLit"`
	Experience    int       `json:"experience"`
	FavoriteZone  string    `json:"favoriteZone"`
	LastSeen      time.Time `json:"lastSeen"`
}

type Stats struct {
	TotalEvents   int `json:"totalEvents"`
	ActivePlayers int `json:"activePlayers"`
	GlobalEvents  int `json:"globalEvents"`
	BonfiresLit   int `json:"bonfiresLit"`
	Messages      int `json:"messagesObserved"`
}

// Reaction is what the game master makes of one chat line. A zero Reaction
// means stay silent.
type Reaction struct {
	Quest  *Quest
	Casual string
}

type player struct {
	Player
	zones map[string]struct{}
}

type Realm struct {
	questChance  float64
	casualChance float64
	maxPlayers   int
	src          chance.Source
	now          func() time.Time
	announce     Announcer
	log          logx.Logger

	mu       sync.Mutex
	players  map[string]*player
	quests   int
	globals  int
	bonfires int
	messages int
}

func New(opts Options) *Realm {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	if opts.Source == nil {
		opts.Source = chance.NewLocked(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Realm{
		questChance:  opts.QuestChance,
		casualChance: opts.CasualReplyChance,
		maxPlayers:   opts.MaxPlayers,
		src:          opts.Source,
		now:          opts.Now,
		announce:     opts.Announce,
		log:          opts.Logger,
		players:      make(map[string]*player),
	}
}

// Observe records a chat line against its sender and decides whether to
// offer a quest, answer casually or say nothing.
func (r *Realm) Observe(ctx context.Context, m events.Message) Reaction {
	zone := m.Zone
	if zone == "" {
		zone = events.DefaultZone
	}
	name := strings.TrimSpace(m.Sender)

	r.mu.Lock()
	p := r.touchLocked(name, zone)
	p.MessagesSent++
	if chance.Roll(r.src, favoriteZoneChance) {
		p.FavoriteZone = zone
	}
	r.messages++

	if Playful(m.Message) || chance.Roll(r.src, r.questChance) {
		q := pickQuest(r.src, name, zone)
		p.QuestsOffered++
		r.quests++
		r.mu.Unlock()

		metricsx.IncQuestOffered(q.Type)
		r.log.Info(ctx, "quest_offered", "game master offered a quest",
			slog.String("player", name),
			slog.String("zone", zone),
			slog.String("quest_type", q.Type),
		)
		return Reaction{Quest: &q}
	}

	var casual string
	if chance.Roll(r.src, r.casualChance) {
		casual = pickLine(r.src, casualLines(name, zone)...)
	}
	r.mu.Unlock()
	return Reaction{Casual: casual}
}

// LightBonfire credits the player with the bonfire and picks the blessing
// that answers it.
func (r *Realm) LightBonfire(ctx context.Context, b events.Bonfire) Blessing {
	zone := b.Zone
	if zone == "" {
		zone = events.DefaultBonfireZone
	}
	name := strings.TrimSpace(b.Player)

	r.mu.Lock()
	p := r.touchLocked(name, zone)
	p.BonfiresLit++
	p.Experience += BlessingExperience
	r.bonfires++
	blessing := pickBlessing(r.src, name, b.Bonfire)
	r.mu.Unlock()

	r.log.Info(ctx, "bonfire_blessed", "bonfire lit",
		slog.String("player", name),
		slog.String("bonfire", b.Bonfire),
		slog.String("zone", zone),
	)
	return blessing
}

// touchLocked returns the stats entry for name, creating it and evicting the
// stalest entry when the store is full.
func (r *Realm) touchLocked(name string, zone string) *player {
	p, ok := r.players[name]
	if !ok {
		if len(r.players) >= r.maxPlayers {
			r.evictLocked()
		}
		p = &player{Player: Player{Name: name, FavoriteZone: zone}, zones: make(map[string]struct{})}
		r.players[name] = p
		metricsx.SetPlayersTracked(len(r.players))
	}
	p.zones[zone] = struct{}{}
	p.LastSeen = r.now().UTC()
	return p
}

func (r *Realm) evictLocked() {
	var oldest *player
	for _, p := range r.players {
		if oldest == nil || p.LastSeen.Before(oldest.LastSeen) {
			oldest = p
		}
	}
	if oldest != nil {
		delete(r.players, oldest.Name)
	}
}

// GlobalEvent announces one global event to every listener.
func (r *Realm) GlobalEvent(ctx context.Context) events.GlobalEvent {
	r.mu.Lock()
	ev := events.GlobalEvent{
		ID:          events.NewID(),
		Description: pickLine(r.src, globalLines...),
		Timestamp:   r.now().UTC(),
		Type:        events.KindGlobalEvent,
	}
	r.globals++
	r.mu.Unlock()

	metricsx.IncGlobalEvent()
	r.log.Info(ctx, "global_event", ev.Description, slog.String("event_id", ev.ID))
	if r.announce != nil {
		if err := r.announce(ctx, ev); err != nil {
			r.log.Warn(ctx, "global_event_announce_failed", "could not announce global event",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ev
}

// Run announces a global event after a random gap in [lo, hi] until ctx
// is done.
func (r *Realm) Run(ctx context.Context, lo time.Duration, hi time.Duration) {
	if lo <= 0 {
		lo = DefaultGlobalEventMin
	}
	if hi < lo {
		hi = lo
	}
	timer := time.NewTimer(r.nextGap(lo, hi))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.GlobalEvent(ctx)
			timer.Reset(r.nextGap(lo, hi))
		}
	}
}

func (r *Realm) nextGap(lo time.Duration, hi time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + time.Duration(r.src.Float64()*float64(hi-lo))
}

func (r *Realm) Player(name string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[name]
	if !ok {
		return Player{}, false
	}
	return p.snapshot(), true
}

// Players lists every tracked player, most recently seen first.
func (r *Realm) Players() []Player {
	r.mu.Lock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Name < out[j].Name
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func (r *Realm) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		TotalEvents:   r.quests,
		ActivePlayers: len(r.players),
		GlobalEvents:  r.globals,
		BonfiresLit:   r.bonfires,
		Messages:      r.messages,
	}
}

func (p *player) snapshot() Player {
	out := p.Player
	out.ZonesVisited = make([]string, 0, len(p.zones))
	for z := range p.zones {
		out.ZonesVisited = append(out.ZonesVisited, z)
	}
	sort.Strings(out.ZonesVisited)
	return out
}
