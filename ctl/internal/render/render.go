// Package render prints relay state as tables.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"ashen-realm/shared/events"
	"ashen-realm/shared/mqx"
)

// Invasion, Resolved and Snapshot mirror the invader service's
// /api/invasions payload.
type Invasion struct {
	ID         string    `json:"id"`
	Invader    string    `json:"invader"`
	Target     string    `json:"target"`
	Zone       string    `json:"zone"`
	Covenant   string    `json:"covenant"`
	Synthetic  bool      `json:"synthetic"`
	StartTime  time.Time `json:"startTime"`
	DurationMS int64     `json:"duration"`
}

type Resolved struct {
	Invasion
	Outcome          string    `json:"outcome"`
	EndTime          time.Time `json:"endTime"`
	ActualDurationMS int64     `json:"actualDuration"`
}

type Stats struct {
	TotalInvasions   int     `json:"totalInvasions"`
	ActiveInvasions  int     `json:"activeInvasions"`
	Completed        int     `json:"completedInvasions"`
	MessagesObserved int     `json:"messagesObserved"`
	SuccessRate      float64 `json:"successRate"`
}

type Snapshot struct {
	Active  []Invasion `json:"active"`
	History []Resolved `json:"history"`
	Stats   Stats      `json:"stats"`
}

func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Status(w io.Writer, st mqx.Status) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Connected", "State", "Endpoint", "Exchange"})
	tw.AppendRow(table.Row{st.Connected, st.State, st.Endpoint, st.Exchange})
	tw.Render()
}

func Topology(w io.Writer, t mqx.Topology) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("exchange " + t.Exchange)
	tw.AppendHeader(table.Row{"Queue", "Binding", "Dead letters"})
	for _, b := range t.Queues {
		dlq := ""
		if t.DeadLetters {
			dlq = events.DeadLetterQueue(b.Queue)
		}
		tw.AppendRow(table.Row{b.Queue, b.Key, dlq})
	}
	for _, q := range t.Extra {
		tw.AppendRow(table.Row{q, "", ""})
	}
	tw.Render()
}

func Reply(w io.Writer, r events.Reply) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRow(table.Row{"Response", r.Response})
	if r.InvaderType != "" {
		tw.AppendRow(table.Row{"Invader", r.InvaderType})
	}
	if r.ThreatLevel > 0 {
		tw.AppendRow(table.Row{"Threat", r.ThreatLevel})
	}
	if r.InvasionID != "" {
		tw.AppendRow(table.Row{"Invasion", r.InvasionID})
	}
	if r.Status != "" {
		tw.AppendRow(table.Row{"Status", r.Status})
	}
	if r.EstimatedDuration > 0 {
		tw.AppendRow(table.Row{"Estimated", ms(r.EstimatedDuration)})
	}
	if r.EventType != "" {
		tw.AppendRow(table.Row{"Event", r.EventType})
	}
	if r.Reward != "" {
		tw.AppendRow(table.Row{"Reward", r.Reward})
	}
	if r.Difficulty != "" {
		tw.AppendRow(table.Row{"Difficulty", r.Difficulty})
	}
	if r.Experience > 0 {
		tw.AppendRow(table.Row{"Experience", r.Experience})
	}
	tw.Render()
}

// Invasions prints the active table, then history newest first, then totals.
func Invasions(w io.Writer, snap Snapshot, now time.Time) {
	active := table.NewWriter()
	active.SetOutputMirror(w)
	active.SetTitle(fmt.Sprintf("active invasions (%d)", len(snap.Active)))
	active.AppendHeader(table.Row{"ID", "Invader", "Target", "Zone", "Covenant", "Duration", "Remaining"})
	for _, inv := range snap.Active {
		remaining := inv.StartTime.Add(time.Duration(inv.DurationMS) * time.Millisecond).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		active.AppendRow(table.Row{inv.ID, inv.Invader, inv.Target, inv.Zone, inv.Covenant, ms(inv.DurationMS), remaining.Round(time.Second)})
	}
	active.Render()

	history := table.NewWriter()
	history.SetOutputMirror(w)
	history.SetTitle(fmt.Sprintf("recent resolutions (%d)", len(snap.History)))
	history.AppendHeader(table.Row{"ID", "Invader", "Target", "Zone", "Outcome", "Lasted"})
	for i := len(snap.History) - 1; i >= 0; i-- {
		rec := snap.History[i]
		history.AppendRow(table.Row{rec.ID, rec.Invader, rec.Target, rec.Zone, rec.Outcome, ms(rec.ActualDurationMS)})
	}
	history.Render()

	st := snap.Stats
	totals := table.NewWriter()
	totals.SetOutputMirror(w)
	totals.AppendHeader(table.Row{"Total", "Active", "Completed", "Messages", "Invader success"})
	totals.AppendRow(table.Row{st.TotalInvasions, st.ActiveInvasions, st.Completed, st.MessagesObserved, fmt.Sprintf("%.1f%%", st.SuccessRate)})
	totals.Render()
}

// Resolution is the one-line form of a resolution event.
func Resolution(ev events.InvasionResolved) string {
	return fmt.Sprintf("%s  %-17s  %s vs %s in %s (%s)",
		ev.EndTime.Local().Format("15:04:05"), ev.Outcome, ev.Invader, ev.Target, ev.Zone, ms(ev.ActualDurationMS))
}

func ms(v int64) time.Duration {
	return (time.Duration(v) * time.Millisecond).Round(time.Second)
}
