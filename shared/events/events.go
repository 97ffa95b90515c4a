package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindMessage          Kind = "MESSAGE"
	KindInvasion         Kind = "INVASION"
	KindAutoInvasion     Kind = "AUTO_INVASION"
	KindBonfireLit       Kind = "BONFIRE_LIT"
	KindInvasionResolved Kind = "INVASION_RESOLVED"
	KindGlobalEvent      Kind = "GLOBAL_EVENT"
)

const (
	ExchangeRealm = "ashen_realm"

	QueueMessages  = "ashen_messages"
	QueueInvasions = "ashen_invasions"
	QueueEvents    = "ashen_events"

	QueueResponses     = "ashen_responses"
	QueueNotifications = "ashen_notifications"
	QueueLogs          = "ashen_logs"

	BindingMessages  = "messages.*"
	BindingInvasions = "invasions.*"
	BindingEvents    = "events.*"
)

const (
	DefaultZone        = "Unknown Realm"
	DefaultBonfireZone = "Firelink Shrine"
	DefaultCovenant    = "Darkwraith"
	AutoCovenant       = "Auto-Generated"

	InvasionStatusStarted = "STARTED"
)

// DeadLetterQueue names the queue that receives messages whose handler kept failing.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Zone      string    `json:"zone"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
}

type Invasion struct {
	ID        string    `json:"id"`
	Invader   string    `json:"invader"`
	Target    string    `json:"target"`
	Zone      string    `json:"zone"`
	Covenant  string    `json:"covenant"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
	Status    string    `json:"status,omitempty"`
}

type Bonfire struct {
	ID            string    `json:"id"`
	Player        string    `json:"player"`
	Bonfire       string    `json:"bonfire"`
	Zone          string    `json:"zone"`
	Timestamp     time.Time `json:"timestamp"`
	Type          Kind      `json:"type"`
	SoulsRestored bool      `json:"souls_restored"`
}

// Reply is the body a responder sends to a request's private reply queue.
// The correlation id travels as a message property, never in the body.
type Reply struct {
	Response          string    `json:"response"`
	EventType         string    `json:"eventType,omitempty"`
	InvaderType       string    `json:"invaderType,omitempty"`
	ThreatLevel       int       `json:"threat_level,omitempty"`
	InvasionID        string    `json:"invasionId,omitempty"`
	Status            string    `json:"status,omitempty"`
	EstimatedDuration int64     `json:"estimatedDuration,omitempty"`
	Reward            string    `json:"reward,omitempty"`
	Difficulty        string    `json:"difficulty,omitempty"`
	Experience        int       `json:"experience,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// InvasionResolved is published on the topic exchange after a sweep resolves an invasion.
type InvasionResolved struct {
	ID               string    `json:"id"`
	InvasionID       string    `json:"invasionId"`
	Invader          string    `json:"invader"`
	Target           string    `json:"target"`
	Zone             string    `json:"zone"`
	Covenant         string    `json:"covenant"`
	Outcome          string    `json:"outcome"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	DurationMS       int64     `json:"duration"`
	ActualDurationMS int64     `json:"actualDuration"`
	Type             Kind      `json:"type"`
}

// GlobalEvent is announced to every listener on the notifications queue.
type GlobalEvent struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Type        Kind      `json:"type"`
}

func (m Message) EventID() string { return m.ID }
func (i Invasion) EventID() string { return i.ID }
func (b Bonfire) EventID() string { return b.ID }
func (r InvasionResolved) EventID() string { return r.ID }
func (g GlobalEvent) EventID() string { return g.ID }

func NewID() string {
	return uuid.NewString()
}

func NewMessage(sender string, text string, zone string) Message {
	return Message{
		ID:        NewID(),
		Sender:    strings.TrimSpace(sender),
		Message:   text,
		Zone:      orDefault(zone, DefaultZone),
		Timestamp: time.Now().UTC(),
		Type:      KindMessage,
	}
}

func NewInvasion(invader string, target string, zone string, covenant string) Invasion {
	return Invasion{
		ID:        NewID(),
		Invader:   strings.TrimSpace(invader),
		Target:    strings.TrimSpace(target),
		Zone:      orDefault(zone, DefaultZone),
		Covenant:  orDefault(covenant, DefaultCovenant),
		Timestamp: time.Now().UTC(),
		Type:      KindInvasion,
		Status:    InvasionStatusStarted,
	}
}

// NewAutoInvasion builds the synthetic invasion an invader spawns in reaction to chat.
func NewAutoInvasion(invader string, target string, zone string) Invasion {
	return Invasion{
		ID:        "auto_" + NewID(),
		Invader:   invader,
		Target:    target,
		Zone:      orDefault(zone, DefaultZone),
		Covenant:  AutoCovenant,
		Timestamp: time.Now().UTC(),
		Type:      KindAutoInvasion,
		Status:    InvasionStatusStarted,
	}
}

func NewBonfire(player string, bonfire string, zone string) Bonfire {
	return Bonfire{
		ID:            NewID(),
		Player:        strings.TrimSpace(player),
		Bonfire:       strings.TrimSpace(bonfire),
		Zone:          orDefault(zone, DefaultBonfireZone),
		Timestamp:     time.Now().UTC(),
		Type:          KindBonfireLit,
		SoulsRestored: true,
	}
}

func orDefault(v string, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
