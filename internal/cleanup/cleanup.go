// Package cleanup selects keys with an explicit criterion and deletes them
// in bulk.
package cleanup

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

const cleanupComponent = "CLEANUP"

// Criteria select the keys to delete. A key is selected when it matches
// Pattern, is expired (if Expired), matches one Allow glob (if any), no
// Deny glob, and the Script (if any) returns true.
type Criteria struct {
	Pattern string
	// Expired selects keys whose TTL ran out but were not reaped yet.
	Expired bool
	Allow   []string
	Deny    []string
	// Script is Lua source defining select(key, type, ttl_ms).
	Script string
	// All confirms that every key matching Pattern may go.
	All bool
}

func (c Criteria) narrowed() bool {
	return c.Expired || len(c.Allow) > 0 || c.Script != ""
}

// Validate refuses criteria that would implicitly select every key.
func (c Criteria) Validate() error {
	matchAll := c.Pattern == "" || strings.Trim(c.Pattern, "*") == ""
	if matchAll && !c.narrowed() && !c.All {
		if c.Pattern == "" {
			return schema.ErrNoCriteria
		}
		return fmt.Errorf("%w: pattern %q selects every key, confirm with all", schema.ErrNoCriteria, c.Pattern)
	}
	return nil
}

// Store is what cleanup needs from the store it prunes.
type Store interface {
	schema.Scanner
	schema.Deleter
}

// Observer receives deletion metrics.
type Observer interface {
	ObserveDeleted(n int)
}

// Options configure a cleanup run.
type Options struct {
	Source    string
	DB        int
	BatchSize int
	// DryRun logs the selection without deleting.
	DryRun   bool
	Observer Observer
	Logger   logrus.FieldLogger
}

// Result summarises a cleanup run.
type Result struct {
	Scanned  int64
	Selected int64
	Deleted  int64
	// ScriptErrors counts keys left alone because the script failed on them.
	ScriptErrors int64
	DryRun       bool
	Complete     bool
	Err          error
}

// Selector runs one cleanup.
type Selector struct {
	store    Store
	criteria Criteria
	opts     Options
	script   *script
}

// New validates criteria and compiles the script, if any.
func New(store Store, criteria Criteria, opts Options) (*Selector, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Selector{store: store, criteria: criteria, opts: opts}
	if criteria.Script != "" {
		sc, err := compileScript(criteria.Script)
		if err != nil {
			return nil, err
		}
		s.script = sc
	}
	return s, nil
}

// Run walks the keyspace and deletes the selection batch by batch. Every
// batch's key list is logged before the delete is issued.
func (s *Selector) Run(ctx context.Context) (*Result, error) {
	if s.script != nil {
		defer s.script.close()
	}
	log := s.opts.Logger.WithFields(logrus.Fields{
		logfield.Component: cleanupComponent,
		logfield.Store:     s.opts.Source,
		logfield.DB:        s.opts.DB,
	})
	res := &Result{DryRun: s.opts.DryRun}

	cursor := schema.StartCursor
	for {
		handles, next, err := s.store.Scan(ctx, cursor, s.criteria.Pattern, s.opts.BatchSize)
		if err != nil {
			return s.abort(log, res, err)
		}
		res.Scanned += int64(len(handles))

		keys := s.selectKeys(log, res, handles)
		if len(keys) > 0 {
			res.Selected += int64(len(keys))
			if err := s.delete(ctx, log, res, keys); err != nil {
				return s.abort(log, res, err)
			}
		}

		if next.Done() {
			break
		}
		cursor = next
	}
	res.Complete = true
	log.WithFields(logrus.Fields{
		logfield.Event: "DONE",
		logfield.Count: res.Deleted,
	}).Infof("cleanup done: scanned=%d selected=%d deleted=%d dry-run=%t",
		res.Scanned, res.Selected, res.Deleted, res.DryRun)
	return res, nil
}

func (s *Selector) delete(ctx context.Context, log logrus.FieldLogger, res *Result, keys []string) error {
	if s.opts.DryRun {
		log.WithFields(logrus.Fields{
			logfield.Event: "DRY-RUN",
			logfield.Count: len(keys),
			"keys":         keys,
		}).Info("would delete keys")
		return nil
	}
	log.WithFields(logrus.Fields{
		logfield.Event: "DELETE",
		logfield.Count: len(keys),
		"keys":         keys,
	}).Info("deleting keys")

	n, err := s.store.Delete(ctx, keys)
	if err != nil {
		return err
	}
	res.Deleted += int64(n)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveDeleted(n)
	}
	return nil
}

func (s *Selector) selectKeys(log logrus.FieldLogger, res *Result, handles []schema.Handle) []string {
	var keys []string
	for _, h := range handles {
		ok, err := s.selects(h)
		if err != nil {
			res.ScriptErrors++
			log.WithFields(logrus.Fields{
				logfield.Event:       "SCRIPT",
				logfield.Key:         h.Key,
				logfield.ErrorReason: err.Error(),
			}).Warn("cleanup script failed, key kept")
			continue
		}
		if ok {
			keys = append(keys, h.Key)
		}
	}
	return keys
}

func (s *Selector) selects(h schema.Handle) (bool, error) {
	c := s.criteria
	if c.Pattern != "" && !Match(c.Pattern, h.Key) {
		return false, nil
	}
	gone := h.TTL == schema.Absent || h.TTL == 0
	if c.Expired != gone {
		return false, nil
	}
	if len(c.Allow) > 0 && !matchAny(c.Allow, h.Key) {
		return false, nil
	}
	if matchAny(c.Deny, h.Key) {
		return false, nil
	}
	if s.script != nil {
		return s.script.selects(h)
	}
	return true, nil
}

func (s *Selector) abort(log logrus.FieldLogger, res *Result, err error) (*Result, error) {
	res.Err = err
	log.WithFields(logrus.Fields{
		logfield.Event:       "ABORT",
		logfield.ErrorReason: err.Error(),
	}).Warnf("cleanup stopped after deleting %d keys", res.Deleted)
	return res, err
}

func matchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if Match(p, key) {
			return true
		}
	}
	return false
}
