// Package report walks a keyspace once and summarises its composition
// without transferring data.
package report

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

const reportComponent = "REPORT"

// Bucket classifies a TTL.
type Bucket int

const (
	NoExpiry Bucket = iota
	UnderHour
	UnderDay
	UnderWeek
	WeekOrMore
)

// Buckets in display order.
var Buckets = []Bucket{NoExpiry, UnderHour, UnderDay, UnderWeek, WeekOrMore}

func (b Bucket) String() string {
	switch b {
	case NoExpiry:
		return "no-expiry"
	case UnderHour:
		return "<1h"
	case UnderDay:
		return "<1d"
	case UnderWeek:
		return "<7d"
	}
	return ">=7d"
}

// BucketOf returns the bucket of ttl.
func BucketOf(ttl schema.TTL) Bucket {
	if !ttl.Expires() {
		return NoExpiry
	}
	switch d := ttl.Duration(); {
	case d < time.Hour:
		return UnderHour
	case d < 24*time.Hour:
		return UnderDay
	case d < 7*24*time.Hour:
		return UnderWeek
	}
	return WeekOrMore
}

// KeyUsage is the memory attributed to one key.
type KeyUsage struct {
	Key    string
	Type   schema.Type
	TTL    schema.TTL
	Bytes  int64
	Approx bool
}

// Summary is the outcome of one report run. It is not modified after Run returns.
type Summary struct {
	Source string
	DB     int

	Keys          int64
	Types         map[schema.Type]int64
	TTL           map[Bucket]int64
	MemoryBytes   int64
	EstimatedKeys int64
	Vanished      int64
	Top           []KeyUsage

	// Complete is false when the scan was aborted; Err then holds the reason.
	Complete bool
	Err      error
}

// Store is what the aggregator needs from the store it reports on.
type Store interface {
	schema.Scanner
	schema.Reader
	MemoryUsage(ctx context.Context, keys []string) ([]int64, bool, error)
}

// Options configure a report run.
type Options struct {
	Source    string
	DB        int
	Pattern   string
	BatchSize int
	// TopN is how many of the biggest keys are kept.
	TopN int
	// OnBatch is called after every batch with the number of keys seen.
	OnBatch func(keys int)
	Logger  logrus.FieldLogger
}

// entryOverhead approximates the per-key bookkeeping of the store when
// the real usage cannot be asked.
const entryOverhead = 56

// Aggregator builds a Summary.
type Aggregator struct {
	store Store
	opts  Options
}

// New returns an aggregator over store.
func New(store Store, opts Options) *Aggregator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.TopN < 0 {
		opts.TopN = 0
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Aggregator{store: store, opts: opts}
}

// Run scans the whole keyspace once. A scan error stops the walk; the
// partial summary is returned with Complete=false alongside the error.
func (a *Aggregator) Run(ctx context.Context) (*Summary, error) {
	log := a.opts.Logger.WithFields(logrus.Fields{
		logfield.Component: reportComponent,
		logfield.Store:     a.opts.Source,
		logfield.DB:        a.opts.DB,
	})
	s := &Summary{
		Source: a.opts.Source,
		DB:     a.opts.DB,
		Types:  map[schema.Type]int64{},
		TTL:    map[Bucket]int64{},
	}
	top := &usageHeap{}

	cursor := schema.StartCursor
	for {
		handles, next, err := a.store.Scan(ctx, cursor, a.opts.Pattern, a.opts.BatchSize)
		if err != nil {
			return a.abort(log, s, top, err)
		}
		if err := a.measure(ctx, s, top, handles); err != nil {
			return a.abort(log, s, top, err)
		}
		if a.opts.OnBatch != nil {
			a.opts.OnBatch(len(handles))
		}
		if next.Done() {
			break
		}
		cursor = next
	}

	s.Top = top.sorted()
	s.Complete = true
	log.WithFields(logrus.Fields{
		logfield.Event: "DONE",
		logfield.Count: s.Keys,
	}).Infof("report done, %d bytes", s.MemoryBytes)
	return s, nil
}

func (a *Aggregator) abort(log logrus.FieldLogger, s *Summary, top *usageHeap, err error) (*Summary, error) {
	s.Top = top.sorted()
	s.Complete = false
	s.Err = err
	log.WithFields(logrus.Fields{
		logfield.Event:       "ABORT",
		logfield.ErrorReason: err.Error(),
	}).Warnf("report incomplete after %d keys", s.Keys)
	return s, err
}

func (a *Aggregator) measure(ctx context.Context, s *Summary, top *usageHeap, handles []schema.Handle) error {
	live := handles[:0:0]
	for _, h := range handles {
		if h.Type == schema.TypeNone {
			s.Vanished++
			continue
		}
		live = append(live, h)
	}
	if len(live) == 0 {
		return nil
	}

	keys := make([]string, len(live))
	for i, h := range live {
		keys[i] = h.Key
	}
	usage, ok, err := a.store.MemoryUsage(ctx, keys)
	if err != nil {
		return err
	}

	for i, h := range live {
		u := KeyUsage{Key: h.Key, Type: h.Type, TTL: h.TTL}
		if ok && usage[i] > 0 {
			u.Bytes = usage[i]
		} else {
			n, err := a.estimate(ctx, h)
			switch {
			case errors.Is(err, schema.ErrNotFound):
				s.Vanished++
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case schema.IsConnection(err):
				return err
			}
			u.Bytes, u.Approx = n, true
			s.EstimatedKeys++
		}

		s.Keys++
		s.Types[h.Type]++
		s.TTL[BucketOf(h.TTL)]++
		s.MemoryBytes += u.Bytes
		top.offer(u, a.opts.TopN)
	}
	return nil
}

// estimate is a conservative size from the payload itself. Keys whose
// value cannot be read (streams, unknown types) count only their name
// and the fixed overhead.
func (a *Aggregator) estimate(ctx context.Context, h schema.Handle) (int64, error) {
	base := int64(len(h.Key)) + entryOverhead
	if !h.Type.Supported() {
		return base, nil
	}
	e, err := a.store.Read(ctx, h)
	if err != nil {
		return base, err
	}
	return base + e.Value.Size(), nil
}

// usageHeap is a min-heap keeping the biggest keys seen.
type usageHeap []KeyUsage

func (h usageHeap) Len() int            { return len(h) }
func (h usageHeap) Less(i, j int) bool  { return h[i].Bytes < h[j].Bytes }
func (h usageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *usageHeap) Push(x interface{}) { *h = append(*h, x.(KeyUsage)) }
func (h *usageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *usageHeap) offer(u KeyUsage, limit int) {
	if limit == 0 {
		return
	}
	if h.Len() < limit {
		heap.Push(h, u)
		return
	}
	if (*h)[0].Bytes < u.Bytes {
		(*h)[0] = u
		heap.Fix(h, 0)
	}
}

func (h *usageHeap) sorted() []KeyUsage {
	out := append([]KeyUsage(nil), *h...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Key < out[j].Key
	})
	return out
}
