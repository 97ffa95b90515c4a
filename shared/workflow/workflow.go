package workflow

import (
	"fmt"
	"strings"
)

const (
	InvasionStatusCreated  = "CREATED"
	InvasionStatusActive   = "ACTIVE"
	InvasionStatusResolved = "RESOLVED"
)

const (
	InvasionEventRegistered = "invasion_registered"
	InvasionEventResolved   = "invasion_resolved"
)

var invasionTransitions = map[string]map[string]string{
	InvasionStatusCreated: {
		InvasionStatusActive: InvasionEventRegistered,
	},
	InvasionStatusActive: {
		InvasionStatusResolved: InvasionEventResolved,
	},
}

func NormalizeInvasionStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status string) bool {
	status = NormalizeInvasionStatus(status)
	if status == "" {
		return false
	}
	return len(invasionTransitions[status]) == 0
}

// CanTransition allows staying in a non-terminal status, so a repeated
// registration is accepted while a second resolution is not.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeInvasionStatus(fromStatus)
	toStatus = NormalizeInvasionStatus(toStatus)
	if fromStatus == toStatus {
		return fromStatus != "" && isKnown(fromStatus) && !IsTerminal(fromStatus)
	}
	next := invasionTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeInvasionStatus(fromStatus)
	toStatus = NormalizeInvasionStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := invasionTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// Transition returns the event emitted by moving from one status to another.
func Transition(fromStatus string, toStatus string) (string, error) {
	if !CanTransition(fromStatus, toStatus) {
		return "", fmt.Errorf("invalid invasion transition %s -> %s", fromStatus, toStatus)
	}
	return EventTypeForTransition(fromStatus, toStatus), nil
}

func AllInvasionStatuses() []string {
	return []string{
		InvasionStatusCreated,
		InvasionStatusActive,
		InvasionStatusResolved,
	}
}

func isKnown(status string) bool {
	for _, s := range AllInvasionStatuses() {
		if s == status {
			return true
		}
	}
	return false
}
