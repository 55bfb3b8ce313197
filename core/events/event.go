package events

// Event is a structured state change emitted by a lending engine, e.g. a
// loan opening or a reserve deposit.
type Event interface {
	EventType() string
}

// Emitter forwards events to downstream subscribers such as indexers or
// notification pipelines.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Engines fall
// back to it when no emitter is wired.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
