package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"

	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

func initFlags(fs *flag.FlagSet, c *config.Config) {
	fs.StringVar(&c.Destination, "dst", c.Destination, "Local store to verify")
}

// runInit only verifies the local store answers; it does not start one.
func runInit(ctx context.Context, cfg *config.Config) int {
	dst, err := parseConn(cfg.Destination, cfg)
	if err != nil {
		logError("PARSE-DESTINATION", err, nil)
		return exitUsage
	}
	s, err := redis.New(dst, 1)
	if err == nil {
		defer s.Close()
		err = s.Ping(ctx)
	}
	if err != nil {
		logError("PING", err, map[string]interface{}{logfield.Store: dst.String()})
		fmt.Printf("%s is not reachable: %v\n", dst, err)
		fmt.Println("start a local store first, for example: docker run -d -p 6379:6379 redis")
		return exitIncomplete
	}
	fmt.Printf("%s is up\n", dst)
	return exitOK
}

func checkFlags(fs *flag.FlagSet, c *config.Config) {
	fs.StringVar(&c.Source, "src", c.Source, "Source store")
	fs.StringVar(&c.Destination, "dst", c.Destination, "Destination store")
}

// runCheck compares DBSIZE of every database on both sides.
func runCheck(ctx context.Context, cfg *config.Config) int {
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

	var dbs []int
	if src.HasDB() && dst.HasDB() {
		dbs = []int{src.DB}
	} else if dbs, err = databases(ctx, src); err != nil {
		logError("DISCOVER-DBS", err, nil)
		return exitIncomplete
	}

	code := exitOK
	for _, n := range dbs {
		s, d := src.WithDB(n), dst.WithDB(n)
		if src.HasDB() && dst.HasDB() {
			d = dst
		}
		want, err := dbSize(ctx, s)
		if err != nil {
			logError("DBSIZE", err, map[string]interface{}{logfield.Store: s.String()})
			return exitIncomplete
		}
		got, err := dbSize(ctx, d)
		if err != nil {
			logError("DBSIZE", err, map[string]interface{}{logfield.Store: d.String()})
			return exitIncomplete
		}
		state := "in sync"
		if want != got {
			state = "OUT OF SYNC"
			code = exitWithErrors
		}
		fmt.Printf("db%d: source %s keys, destination %s keys, %s\n",
			n, humanize.Comma(want), humanize.Comma(got), state)
	}
	return code
}

func dbSize(ctx context.Context, c redis.Conn) (int64, error) {
	s, err := redis.New(c, 1)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return s.Size(ctx)
}
