// Package null provides a destination that accepts and discards every
// write, used for dry-run syncs that only exercise the source side.
package null

import (
	"context"
	"sync/atomic"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// Writer reports every key as absent and drops writes.
type Writer struct {
	writes int64
	bytes  int64
}

func (n *Writer) TypeOf(ctx context.Context, _ string) (schema.Type, error) {
	return schema.TypeNone, ctx.Err()
}

func (n *Writer) Write(ctx context.Context, e *schema.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddInt64(&n.writes, 1)
	atomic.AddInt64(&n.bytes, e.Value.Size())
	return nil
}

// Writes is the number of discarded entries.
func (n *Writer) Writes() int64 { return atomic.LoadInt64(&n.writes) }

// Bytes is the payload size of the discarded entries.
func (n *Writer) Bytes() int64 { return atomic.LoadInt64(&n.bytes) }
