package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/iancoleman/orderedmap"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/report"
)

func reportFlags(fs *flag.FlagSet, c *config.Config) {
	fs.StringVar(&c.Destination, "dst", c.Destination, "Store to report on")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "Only keys matching this glob")
	fs.IntVar(&c.BatchSize, "batch", c.BatchSize, "Scan COUNT hint")
	fs.IntVar(&c.Report.Top, "top", c.Report.Top, "How many of the biggest keys to list")
	fs.StringVar(&c.Report.Format, "format", c.Report.Format, "text or json")
}

func runReport(ctx context.Context, cfg *config.Config) int {
	dst, err := parseConn(cfg.Destination, cfg)
	if err != nil {
		logError("PARSE-DESTINATION", err, nil)
		return exitUsage
	}
	dbs, err := databases(ctx, dst)
	if err != nil {
		logError("DISCOVER-DBS", err, nil)
		return exitIncomplete
	}

	var summaries []*report.Summary
	code := exitOK
	for _, n := range dbs {
		s, err := reportDB(ctx, cfg, dst.WithDB(n))
		if s != nil {
			summaries = append(summaries, s)
		}
		if err != nil {
			code = exitIncomplete
			break
		}
	}

	if cfg.Report.Format == "json" {
		err = writeJSON(os.Stdout, summaries)
	} else {
		err = writeText(os.Stdout, summaries)
	}
	if err != nil {
		logError("WRITE-REPORT", err, nil)
		return exitWithErrors
	}
	return code
}

func reportDB(ctx context.Context, cfg *config.Config, c redis.Conn) (*report.Summary, error) {
	s, err := redis.New(c, 2)
	if err != nil {
		logError("CONNECT", err, nil)
		return nil, err
	}
	defer s.Close()

	total, err := s.Size(ctx)
	if err != nil {
		logError("DBSIZE", err, nil)
		return nil, err
	}
	bar := pb.Full.Start64(total)
	bar.Set("prefix", fmt.Sprintf("db%d ", c.DB))
	defer bar.Finish()

	return report.New(s, report.Options{
		Source:    c.String(),
		DB:        c.DB,
		Pattern:   cfg.Pattern,
		BatchSize: cfg.BatchSize,
		TopN:      cfg.Report.Top,
		OnBatch:   func(keys int) { bar.Add(keys) },
	}).Run(ctx)
}

func writeText(w io.Writer, summaries []*report.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range summaries {
		fmt.Fprintf(tw, "db%d  %s\n", s.DB, s.Source)
		if !s.Complete {
			fmt.Fprintf(tw, "INCOMPLETE: scan stopped early (%v), figures below are partial\n", s.Err)
		}
		fmt.Fprintf(tw, "keys\t%s\n", humanize.Comma(s.Keys))
		fmt.Fprintf(tw, "memory\t%s\n", humanize.Bytes(uint64(s.MemoryBytes)))
		if s.EstimatedKeys > 0 {
			fmt.Fprintf(tw, "estimated\t%s keys sized from their payload\n", humanize.Comma(s.EstimatedKeys))
		}
		if s.Vanished > 0 {
			fmt.Fprintf(tw, "vanished\t%s keys gone while scanning\n", humanize.Comma(s.Vanished))
		}
		for _, t := range schema.Types {
			if n := s.Types[t]; n > 0 {
				fmt.Fprintf(tw, "type %s\t%s\n", t, humanize.Comma(n))
			}
		}
		for _, b := range report.Buckets {
			fmt.Fprintf(tw, "ttl %s\t%s\n", b, humanize.Comma(s.TTL[b]))
		}
		for i, u := range s.Top {
			approx := ""
			if u.Approx {
				approx = "~"
			}
			fmt.Fprintf(tw, "top %d\t%s%s\t%s\t%q\n", i+1, approx, humanize.Bytes(uint64(u.Bytes)), u.Type, u.Key)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// writeJSON keeps the field order stable so reports diff cleanly.
func writeJSON(w io.Writer, summaries []*report.Summary) error {
	out := make([]*orderedmap.OrderedMap, 0, len(summaries))
	for _, s := range summaries {
		o := orderedmap.New()
		o.Set("source", s.Source)
		o.Set("db", s.DB)
		o.Set("complete", s.Complete)
		if s.Err != nil {
			o.Set("error", s.Err.Error())
		}
		o.Set("keys", s.Keys)
		o.Set("memory_bytes", s.MemoryBytes)
		o.Set("estimated_keys", s.EstimatedKeys)
		o.Set("vanished", s.Vanished)

		types := orderedmap.New()
		for _, t := range schema.Types {
			if n := s.Types[t]; n > 0 {
				types.Set(t.String(), n)
			}
		}
		o.Set("types", types)

		ttl := orderedmap.New()
		for _, b := range report.Buckets {
			ttl.Set(b.String(), s.TTL[b])
		}
		o.Set("ttl", ttl)

		top := make([]*orderedmap.OrderedMap, 0, len(s.Top))
		for _, u := range s.Top {
			k := orderedmap.New()
			k.Set("key", u.Key)
			k.Set("type", u.Type.String())
			k.Set("bytes", u.Bytes)
			k.Set("approx", u.Approx)
			top = append(top, k)
		}
		o.Set("top", top)
		out = append(out, o)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
