package main

import (
	"context"
	"flag"
	"fmt"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/checkpoint"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/db"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/engine"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/monitor"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/null"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

func syncFlags(fs *flag.FlagSet, c *config.Config) {
	fs.StringVar(&c.Source, "src", c.Source, "Source store: redis://[:pass@]host[:port][/db] or host[:port[:db]]")
	fs.StringVar(&c.Destination, "dst", c.Destination, "Destination store, same forms as --src")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "Only keys matching this glob")
	fs.IntVar(&c.BatchSize, "batch", c.BatchSize, "Scan COUNT hint and checkpoint granularity")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Concurrent key transfers within a batch")
	fs.StringVar(&c.Policy, "policy", c.Policy, "skip-existing or overwrite")
	fs.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "Checkpoint file; an existing one is resumed")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Retries of a failing scan call")
	fs.DurationVar(&c.Backoff, "backoff", c.Backoff, "First retry delay, doubled each retry")
	fs.IntVar(&c.DedupSize, "dedup", c.DedupSize, "Seen-keys cache size, negative disables")
	fs.BoolVar(&c.Flush, "flush-destination", c.Flush, "FLUSHDB every destination database before a fresh run")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "Read every key but write nothing")
	fs.StringVar(&c.Journal.DSN, "journal", c.Journal.DSN, "Reindexer DSN (cproto://host:port/db) to journal every transfer record")
	fs.StringVar(&c.Journal.Namespace, "journal-namespace", c.Journal.Namespace, "Reindexer namespace of the journal")
	fs.StringVar(&c.Listen, "listen", c.Listen, "Serve /metrics and /status on this address")
}

func runSync(ctx context.Context, cfg *config.Config) int {
	src, err := parseConn(cfg.Source, cfg)
	if err != nil {
		logError("PARSE-SOURCE", err, nil)
		return exitUsage
	}
	dst, err := parseConn(cfg.Destination, cfg)
	if err != nil {
		logError("PARSE-DESTINATION", err, nil)
		return exitUsage
	}
	policy, _ := engine.ParsePolicy(cfg.Policy)

	// Both ends pinned copies one database into another, otherwise every
	// source database goes to the same number on the destination.
	var dbs []int
	if src.HasDB() && dst.HasDB() {
		dbs = []int{src.DB}
	} else if dbs, err = databases(ctx, src); err != nil {
		logError("DISCOVER-DBS", err, nil)
		return exitIncomplete
	}

	var current atomic.Value
	metrics := monitor.NewMetrics()
	if cfg.Listen != "" {
		srv := monitor.NewServer(cfg.Listen, metrics, func() *schema.RunState {
			if e, ok := current.Load().(*engine.Engine); ok {
				return e.Snapshot()
			}
			return nil
		})
		if err := srv.Start(); err != nil {
			logError("START-MONITOR", err, nil)
			return exitUsage
		}
		defer srv.Destroy()
	}

	code := exitOK
	for _, n := range dbs {
		pair := syncPair{cfg: cfg, policy: policy, metrics: metrics, current: &current, multi: len(dbs) > 1}
		pair.src, pair.dst = src.WithDB(n), dst.WithDB(n)
		if src.HasDB() && dst.HasDB() {
			pair.dst = dst
		}
		c := pair.run(ctx)
		if c > code {
			code = c
		}
		if c == exitIncomplete {
			break
		}
	}
	return code
}

type syncPair struct {
	cfg      *config.Config
	src, dst redis.Conn
	policy   engine.Policy
	metrics  *monitor.Metrics
	current  *atomic.Value
	multi    bool
}

func (p *syncPair) checkpointPath() string {
	if p.cfg.Checkpoint == "" || !p.multi {
		return p.cfg.Checkpoint
	}
	return fmt.Sprintf("%s.db%d", p.cfg.Checkpoint, p.src.DB)
}

func (p *syncPair) run(ctx context.Context) int {
	cfg := p.cfg
	log := logrus.WithFields(logrus.Fields{
		logfield.Component: mainComponent,
		logfield.Store:     p.src.String(),
		logfield.DB:        p.src.DB,
	})

	var cp *checkpoint.File
	var resume *schema.RunState
	if path := p.checkpointPath(); path != "" {
		cp = checkpoint.NewFile(path)
		s, err := cp.LoadFor(p.src.String(), p.src.DB, cfg.Pattern)
		if err != nil {
			logError("LOAD-CHECKPOINT", err, nil)
			return exitUsage
		}
		resume = s
	}

	source, err := redis.New(p.src, cfg.Workers+1)
	if err != nil {
		logError("CONNECT-SOURCE", err, nil)
		return exitIncomplete
	}
	defer source.Close()

	var destination schema.Destination
	var discard *null.Writer
	if cfg.DryRun {
		discard = &null.Writer{}
		destination = discard
	} else {
		d, err := redis.New(p.dst, cfg.Workers+1)
		if err != nil {
			logError("CONNECT-DESTINATION", err, nil)
			return exitIncomplete
		}
		defer d.Close()
		if cfg.Flush && resume == nil {
			log.WithField(logfield.Event, "FLUSH").Warnf("flushing destination %s", p.dst)
			if err := d.FlushDB(ctx); err != nil {
				logError("FLUSH-DESTINATION", err, nil)
				return exitIncomplete
			}
		}
		destination = d
	}

	var journal *db.Journal
	if cfg.Journal.DSN != "" {
		journal, err = db.Open(cfg.Journal.DSN, cfg.Journal.Namespace, p.src.DB)
		if err != nil {
			logError("OPEN-JOURNAL", err, nil)
			return exitUsage
		}
		defer journal.Close()
	}

	total, err := source.Size(ctx)
	if err != nil {
		logError("DBSIZE", err, nil)
		return exitIncomplete
	}
	bar := pb.Full.Start64(total)
	bar.Set("prefix", fmt.Sprintf("db%d ", p.src.DB))

	opts := engine.Options{
		Source:    p.src.String(),
		DB:        p.src.DB,
		Pattern:   cfg.Pattern,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Policy:    p.policy,
		Resume:    resume,
		Retries:   cfg.Retries,
		Backoff:   cfg.Backoff,
		DedupSize: cfg.DedupSize,
		Observer:  p.metrics,
		OnBatch: func(_ *schema.RunState, keys int) {
			bar.Add(keys)
		},
	}
	if cp != nil {
		opts.Checkpoint = cp
	}
	if journal != nil {
		opts.Journal = journal
	}
	if resume != nil {
		bar.SetCurrent(resume.Counters.Attempted + resume.Counters.Duplicates)
	}

	e, err := engine.New(source, destination, opts)
	if err != nil {
		bar.Finish()
		logError("NEW-ENGINE", err, nil)
		return exitUsage
	}
	p.current.Store(e)
	state, _ := e.Run(ctx)
	bar.Finish()

	printRunState(state)
	if discard != nil {
		fmt.Println(dryRunSummary(discard))
	}
	if journal != nil && state.Counters.Failed > 0 {
		if failed, err := journal.Failed(state.RunID); err == nil {
			fmt.Printf("  %d failed records journaled under run %s\n", len(failed), state.RunID)
		}
	}

	if state.Status != schema.Incomplete && cp != nil {
		if err := cp.Remove(); err != nil {
			logError("REMOVE-CHECKPOINT", err, nil)
		}
	}
	switch state.Status {
	case schema.Incomplete:
		return exitIncomplete
	case schema.CompletedWithErrors:
		return exitWithErrors
	}
	return exitOK
}

func printRunState(s *schema.RunState) {
	fmt.Printf("db%d %s: %s\n", s.DB, s.Status, s.Counters)
	if s.Err != nil {
		fmt.Printf("  stopped at cursor %s: %v\n", s.Cursor, s.Err)
	}
	for _, f := range s.Failures {
		fmt.Printf("  failed %q: %v\n", f.Handle.Key, f.Cause)
	}
	if s.Counters.Failed > int64(len(s.Failures)) {
		fmt.Printf("  ... %d more failures\n", s.Counters.Failed-int64(len(s.Failures)))
	}
}

func dryRunSummary(w *null.Writer) string {
	return fmt.Sprintf("  dry run: %d keys read, %s of payload, nothing written",
		w.Writes(), humanize.Bytes(uint64(w.Bytes())))
}
