package cache

import "github.com/weaveforge/weaveforge"

// EventKind classifies a Cache Coordinator observability event
// (spec.md §4.7: "Emits cache events {hit, miss, write, evict}").
type EventKind int

const (
	EventHit EventKind = iota
	EventMiss
	EventWrite
	EventEvict
)

func (k EventKind) String() string {
	switch k {
	case EventHit:
		return "hit"
	case EventMiss:
		return "miss"
	case EventWrite:
		return "write"
	case EventEvict:
		return "evict"
	}
	return "unknown"
}

// Event is emitted on the coordinator's observability bus; production
// wiring forwards these into the trace sink (internal/trace) as counter
// events.
type Event struct {
	Kind   EventKind
	Target weaveforge.TargetID
}
