// Package events provides an in-process pub/sub bus so collaborators
// (pipeline, schedulers, archive) can observe trading activity without
// being coupled to each other. Grounded on the teacher's event_data.go
// (EventData interface, typed payload structs); the Manager/EventType
// machinery that event_data.go's call sites expected was not present in
// the retrieved pack and is rebuilt here in the same idiom.
package events

// EventType identifies what kind of event was emitted.
type EventType string

const (
	DecisionRecorded     EventType = "decision_recorded"
	TradeOpened          EventType = "trade_opened"
	TradeClosed          EventType = "trade_closed"
	CycleCompleted       EventType = "cycle_completed"
	ReflectionReconciled EventType = "reflection_reconciled"
)

// EventData is implemented by every typed event payload.
type EventData interface {
	EventType() EventType
}
