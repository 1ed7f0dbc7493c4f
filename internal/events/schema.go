package events

import "time"

// ServicesChanged signals that the set of known services changed. The next
// operation rebuilds the schema.
type ServicesChanged struct {
	Reason string
}

// SchemaRebuildStart is emitted when a rebuild begins.
type SchemaRebuildStart struct {
	Services int
}

// SchemaUpdated is broadcast after every successful rebuild.
type SchemaUpdated struct {
	Generation uint64
	SDL        string
	Duration   time.Duration
}

// SchemaRebuildFailed is emitted when composition fails. The schema stays stale.
type SchemaRebuildFailed struct {
	Err      error
	Duration time.Duration
}
