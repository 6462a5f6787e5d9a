// Package engine copies the keys of one store into another, batch by
// batch, with per-key failure isolation and resumable cursors.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

const (
	syncEngine = "SYNC-ENGINE"
	opSync     = "sync"
)

// Engine runs one sync. It owns its run state; Run may only be called once.
type Engine struct {
	src  schema.Source
	dst  schema.Destination
	opts Options
	log  logrus.FieldLogger

	seen *lru.Cache

	mu    sync.Mutex
	state *schema.RunState
}

// New prepares a run from src to dst.
func New(src schema.Source, dst schema.Destination, opts Options) (*Engine, error) {
	opts.setDefaults()
	e := &Engine{src: src, dst: dst, opts: opts}
	if opts.DedupSize > 0 {
		seen, err := lru.New(opts.DedupSize)
		if err != nil {
			return nil, err
		}
		e.seen = seen
	}
	return e, nil
}

// Snapshot returns a copy of the current run state, nil before Run.
func (e *Engine) Snapshot() *schema.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return e.state.Clone()
}

func (e *Engine) initState() *schema.RunState {
	now := time.Now()
	if r := e.opts.Resume; r != nil {
		s := r.Clone()
		s.Status = schema.Running
		s.Err = nil
		s.UpdatedAt = now
		return s
	}
	return &schema.RunState{
		RunID:     strconv.FormatInt(now.UnixNano(), 36),
		Source:    e.opts.Source,
		DB:        e.opts.DB,
		Pattern:   e.opts.Pattern,
		Cursor:    schema.StartCursor,
		Status:    schema.Running,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Run scans the source until the cursor wraps around. The returned state
// is terminal. A non-nil error is returned only for incomplete runs and is
// also stored in the state; the state then reflects the last checkpoint.
func (e *Engine) Run(ctx context.Context) (*schema.RunState, error) {
	e.mu.Lock()
	e.state = e.initState()
	cursor := e.state.Cursor
	e.log = e.opts.Logger.WithFields(logrus.Fields{
		logfield.Component: syncEngine,
		logfield.RunID:     e.state.RunID,
		logfield.Store:     e.state.Source,
		logfield.DB:        e.state.DB,
	})
	e.mu.Unlock()

	if r := e.opts.Resume; r != nil {
		// A checkpoint at the end cursor belongs to a run that finished
		// its scan but was not cleaned up.
		if r.Cursor.Done() && r.Batches > 0 {
			return e.finish(), nil
		}
		e.log.WithFields(logrus.Fields{
			logfield.Event:  "RESUME",
			logfield.Cursor: cursor,
		}).Infof("resuming after %d batches", r.Batches)
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.abort(err)
		}
		started := time.Now()

		handles, next, err := e.scan(ctx, cursor)
		if err != nil {
			return e.abort(err)
		}
		delta, failures, err := e.transferBatch(ctx, handles)
		if err != nil {
			return e.abort(err)
		}
		if err := e.commit(next, delta, failures); err != nil {
			return e.abort(err)
		}
		if e.opts.Observer != nil {
			e.opts.Observer.ObserveBatch(opSync, time.Since(started))
		}
		if e.opts.OnBatch != nil {
			e.opts.OnBatch(e.Snapshot(), len(handles))
		}

		cursor = next
		if cursor.Done() {
			break
		}
	}
	return e.finish(), nil
}

// commit saves the state after one batch. The run state only moves
// forward once the checkpoint holds it.
func (e *Engine) commit(next schema.Cursor, delta schema.Counters, failures []schema.Record) error {
	e.mu.Lock()
	snap := e.state.Clone()
	e.mu.Unlock()

	snap.Cursor = next
	snap.Batches++
	snap.Counters.Merge(delta)
	for _, f := range failures {
		if len(snap.Failures) >= schema.MaxFailures {
			break
		}
		snap.Failures = append(snap.Failures, f)
	}
	snap.UpdatedAt = time.Now()

	if e.opts.Checkpoint != nil {
		if err := e.opts.Checkpoint.Save(snap); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.state = snap
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		logfield.Event:  "BATCH",
		logfield.Cursor: next,
	}).Debugf("batch %d done: %s", snap.Batches, snap.Counters)
	return nil
}

func (e *Engine) finish() *schema.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = schema.Completed
	if e.state.Counters.Failed > 0 {
		e.state.Status = schema.CompletedWithErrors
	}
	e.state.UpdatedAt = time.Now()
	e.log.WithFields(logrus.Fields{
		logfield.Event: "DONE",
	}).Infof("sync %s: %s", e.state.Status, e.state.Counters)
	return e.state.Clone()
}

func (e *Engine) abort(err error) (*schema.RunState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = schema.Incomplete
	e.state.Err = err
	e.log.WithFields(logrus.Fields{
		logfield.Event:       "ABORT",
		logfield.ErrorReason: err.Error(),
		logfield.Cursor:      e.state.Cursor,
	}).Warnf("sync stopped after %d batches", e.state.Batches)
	return e.state.Clone(), err
}

// transferBatch moves every handle of one batch. Per-key failures are
// counted; only cancellation of ctx returns an error, in which case the
// batch results must be discarded. Records reach the observer and the
// journal only once the whole batch went through.
func (e *Engine) transferBatch(ctx context.Context, handles []schema.Handle) (schema.Counters, []schema.Record, error) {
	var (
		mu       sync.Mutex
		delta    schema.Counters
		records  []schema.Record
		failures []schema.Record
	)
	runID := e.runID()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, h := range handles {
		if e.duplicate(h.Key) {
			delta.Duplicates++
			continue
		}
		if gctx.Err() != nil {
			break
		}
		h := h
		g.Go(func() error {
			rec := e.transfer(gctx, h)
			if rec.Outcome == schema.Failed && isCancel(rec.Cause) && gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			delta.Add(rec.Outcome)
			records = append(records, rec)
			if rec.Outcome == schema.Failed {
				failures = append(failures, rec)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return delta, nil, err
	}
	if err := ctx.Err(); err != nil {
		return delta, nil, err
	}
	for _, rec := range records {
		e.record(ctx, runID, rec)
	}
	return delta, failures, nil
}

func (e *Engine) transfer(ctx context.Context, h schema.Handle) schema.Record {
	rec := schema.Record{Handle: h}
	switch {
	case h.Type == schema.TypeNone:
		rec.Outcome, rec.Cause = schema.Skipped, schema.ErrNotFound
		return rec
	case !h.Type.Supported():
		rec.Outcome, rec.Cause = schema.Skipped, &schema.UnsupportedTypeError{Key: h.Key, Type: h.Type.String()}
		return rec
	}

	dstType, err := e.dst.TypeOf(ctx, h.Key)
	if err != nil {
		rec.Outcome, rec.Cause = schema.Failed, err
		return rec
	}
	existed := dstType != schema.TypeNone
	if existed && e.opts.Policy == SkipExisting {
		rec.Outcome = schema.Skipped
		rec.Cause = &schema.ConflictError{Key: h.Key, SourceType: h.Type, DestinationType: dstType}
		return rec
	}

	entry, err := e.src.Read(ctx, h)
	if err != nil {
		rec.Cause = err
		var ute *schema.UnsupportedTypeError
		if errors.Is(err, schema.ErrNotFound) || errors.As(err, &ute) {
			rec.Outcome = schema.Skipped
		} else {
			rec.Outcome = schema.Failed
		}
		return rec
	}
	rec.Handle = entry.Handle()

	if err := e.dst.Write(ctx, entry); err != nil {
		rec.Outcome, rec.Cause = schema.Failed, err
		return rec
	}
	rec.Outcome = schema.Transferred
	if existed {
		rec.Outcome = schema.Overwritten
	}
	return rec
}

func (e *Engine) record(ctx context.Context, runID string, rec schema.Record) {
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveKey(opSync, rec.Outcome.String())
	}
	if rec.Outcome == schema.Failed {
		e.log.WithFields(logrus.Fields{
			logfield.Event:       "KEY-FAILED",
			logfield.Key:         rec.Handle.Key,
			logfield.ErrorReason: rec.Cause.Error(),
		}).Warn("key transfer failed")
	}
	if e.opts.Journal == nil {
		return
	}
	if err := e.opts.Journal.Record(ctx, runID, rec); err != nil {
		e.log.WithFields(logrus.Fields{
			logfield.Event:       "JOURNAL",
			logfield.Key:         rec.Handle.Key,
			logfield.ErrorReason: err.Error(),
		}).Warn("error while journaling transfer record")
	}
}

func (e *Engine) duplicate(key string) bool {
	if e.seen == nil {
		return false
	}
	found, _ := e.seen.ContainsOrAdd(xxhash.Sum64String(key), struct{}{})
	return found
}

func (e *Engine) runID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.RunID
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
