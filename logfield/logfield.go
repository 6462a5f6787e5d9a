// Package logfield holds the names of the structured fields
// attached to every log entry.
package logfield

const (
	// Component is the part of the tool emitting the entry
	Component = "component"

	// Event is a short upper-case tag of what happened
	Event = "event"

	// ErrorReason carries err.Error() when an error is logged
	ErrorReason = "error"

	// RunID identifies one sync, report or cleanup run
	RunID = "run"

	// Store is the redacted address of the store involved
	Store = "store"

	// DB is the logical database number
	DB = "db"

	// Key is a key name
	Key = "key"

	// Cursor is the scan cursor
	Cursor = "cursor"

	// Count is a number of keys
	Count = "count"
)
