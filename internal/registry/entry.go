package registry

import (
	"strings"
	"time"
)

// State is the lifecycle state of a subscription entry.
type State int

const (
	// Pending entries have been (or are about to be) subscribed but have no live value yet.
	Pending State = iota
	// Active entries have received at least one push since their last subscribe.
	Active
	// Expiring entries have been unsubscribed for idleness and are removed on the next warm cycle.
	Expiring
	// Expired is reported for entries that have been removed.
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Expiring:
		return "expiring"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is a copy of a symbol's subscription record.
type Entry struct {
	Symbol          string
	LastValue       float64
	HasValue        bool      // False until the first push arrives
	LastUpdatedAt   time.Time // Timestamp of the last accepted push
	LastRequestedAt time.Time // Last client query touching this symbol
	SubscribedAt    time.Time // Last subscribe frame sent
	State           State

	// Claimed is set while a subscribe frame for the current Pending period is
	// owned by some sender, so that only one is sent per Pending→Active transition.
	Claimed bool
}

// Fresh reports whether the entry can answer a query at now: Active with a
// value no older than maxAge.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	if e.State != Active || !e.HasValue {
		return false
	}
	return maxAge <= 0 || now.Sub(e.LastUpdatedAt) <= maxAge
}

// PushResult describes what UpsertFromPush did with an update.
type PushResult int

const (
	PushApplied PushResult = iota // Value stored
	PushStale                     // Older than the stored value, ignored
	PushUnknown                   // No entry for the symbol, ignored
)

func (r PushResult) String() string {
	switch r {
	case PushApplied:
		return "applied"
	case PushStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Normalize returns the registry key for a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
