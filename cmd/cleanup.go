package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gitlab.diskarte.net/engineering/redis-mirror/internal/cleanup"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/monitor"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
)

func cleanupFlags(fs *flag.FlagSet, c *config.Config) {
	fs.StringVar(&c.Destination, "dst", c.Destination, "Store to prune")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "Only keys matching this glob")
	fs.IntVar(&c.BatchSize, "batch", c.BatchSize, "Scan COUNT hint and DEL batch size")
	fs.BoolVar(&c.Cleanup.Expired, "expired", c.Cleanup.Expired, "Select keys whose TTL ran out")
	fs.Var(&listFlag{values: &c.Cleanup.Allow}, "allow", "Comma separated globs, a key must match one")
	fs.Var(&listFlag{values: &c.Cleanup.Deny}, "deny", "Comma separated globs, a matching key is kept")
	fs.StringVar(&c.Cleanup.Script, "script", c.Cleanup.Script, "Lua file defining select(key, type, ttl_ms)")
	fs.BoolVar(&c.Cleanup.All, "all", c.Cleanup.All, "Confirm deleting every key matching --pattern")
	fs.BoolVar(&c.Cleanup.DryRun, "dry-run", c.Cleanup.DryRun, "Log the selection, delete nothing")
	fs.StringVar(&c.Listen, "listen", c.Listen, "Serve /metrics on this address")
}

func runCleanup(ctx context.Context, cfg *config.Config) int {
	dst, err := parseConn(cfg.Destination, cfg)
	if err != nil {
		logError("PARSE-DESTINATION", err, nil)
		return exitUsage
	}
	criteria := cleanup.Criteria{
		Pattern: cfg.Pattern,
		Expired: cfg.Cleanup.Expired,
		Allow:   cfg.Cleanup.Allow,
		Deny:    cfg.Cleanup.Deny,
		All:     cfg.Cleanup.All,
	}
	if cfg.Cleanup.Script != "" {
		src, err := os.ReadFile(cfg.Cleanup.Script)
		if err != nil {
			logError("READ-SCRIPT", err, nil)
			return exitUsage
		}
		criteria.Script = string(src)
	}
	if err := criteria.Validate(); err != nil {
		logError("VALIDATE-CRITERIA", err, nil)
		return exitUsage
	}

	metrics := monitor.NewMetrics()
	if cfg.Listen != "" {
		srv := monitor.NewServer(cfg.Listen, metrics, nil)
		if err := srv.Start(); err != nil {
			logError("START-MONITOR", err, nil)
			return exitUsage
		}
		defer srv.Destroy()
	}

	dbs, err := databases(ctx, dst)
	if err != nil {
		logError("DISCOVER-DBS", err, nil)
		return exitIncomplete
	}

	code := exitOK
	for _, n := range dbs {
		c := dst.WithDB(n)
		s, err := redis.New(c, 1)
		if err != nil {
			logError("CONNECT", err, nil)
			return exitIncomplete
		}
		sel, err := cleanup.New(s, criteria, cleanup.Options{
			Source:    c.String(),
			DB:        n,
			BatchSize: cfg.BatchSize,
			DryRun:    cfg.Cleanup.DryRun,
			Observer:  metrics,
		})
		if err != nil {
			s.Close()
			logError("NEW-CLEANUP", err, nil)
			return exitUsage
		}
		res, err := sel.Run(ctx)
		s.Close()

		fmt.Println(cleanupSummary(n, res))
		if res.ScriptErrors > 0 {
			fmt.Printf("  %d keys kept because the script failed on them\n", res.ScriptErrors)
			code = exitWithErrors
		}
		if err != nil {
			fmt.Printf("  INCOMPLETE: %v\n", err)
			return exitIncomplete
		}
	}
	return code
}

// cleanupSummary is the one-line outcome of a cleanup of db n. A dry run
// deletes nothing, so it reports the selection instead.
func cleanupSummary(n int, res *cleanup.Result) string {
	if res.DryRun {
		return fmt.Sprintf("db%d: scanned %d, selected %d, would delete %d", n, res.Scanned, res.Selected, res.Selected)
	}
	return fmt.Sprintf("db%d: scanned %d, selected %d, deleted %d", n, res.Scanned, res.Selected, res.Deleted)
}
