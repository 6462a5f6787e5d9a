package redis_mirror

import (
	"context"
)

// Scanner enumerates a keyspace one cursor step at a time.
// countHint is advisory, batches may be smaller or larger. A returned
// cursor equal to StartCursor means enumeration is complete.
// Scanner never retries; the same key may be returned more than once.
type Scanner interface {
	Scan(ctx context.Context, cursor Cursor, pattern string, countHint int) ([]Handle, Cursor, error)
}

// Reader reads the full value and the remaining TTL of a key.
// ErrNotFound is returned when the key vanished since it was scanned.
type Reader interface {
	Read(ctx context.Context, h Handle) (*Entry, error)
}

// Writer replaces a key with the entry's value and TTL.
type Writer interface {
	Write(ctx context.Context, e *Entry) error
}

// Inspector reports what a store currently holds under a key.
// TypeNone is returned for absent keys.
type Inspector interface {
	TypeOf(ctx context.Context, key string) (Type, error)
}

// Deleter removes keys and returns how many existed.
type Deleter interface {
	Delete(ctx context.Context, keys []string) (int, error)
}

// Info exposes keyspace size.
type Info interface {
	Size(ctx context.Context) (int64, error)
}

// Source is the store a sync run reads from.
type Source interface {
	Scanner
	Reader
}

// Destination is the store a sync run writes to.
type Destination interface {
	Inspector
	Writer
}

// Journal receives every transfer record of a run. Implementations
// must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, runID string, rec Record) error
}
