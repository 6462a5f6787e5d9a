package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

const mainComponent = "MAIN"

// Exit codes.
const (
	exitOK         = 0
	exitWithErrors = 1
	exitIncomplete = 2
	exitUsage      = 3
)

type command struct {
	name  string
	usage string
	flags func(fs *flag.FlagSet, c *config.Config)
	run   func(ctx context.Context, c *config.Config) int
}

var commands = []command{
	{"init", "check that the local destination store is up", initFlags, runInit},
	{"sync", "copy keys from --src into --dst", syncFlags, runSync},
	{"check", "compare key counts of --src and --dst", checkFlags, runCheck},
	{"report", "summarise the keyspace of --dst", reportFlags, runReport},
	{"cleanup", "delete selected keys from --dst", cleanupFlags, runCleanup},
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		printUsage()
		return exitUsage
	}

	cfg, err := config.Load(config.FindPath(args[1:]))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			logfield.ErrorReason: err.Error(),
			logfield.Component:   mainComponent,
			logfield.Event:       "READ-CONFIG-FILE",
		}).Error("error while reading config file")
		return exitUsage
	}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.String("config", "", "YAML configuration file, flags override its values")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Dial timeout of store connections")
	cmd.flags(fs, cfg)
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}

	if errs := config.Validate(cfg, cmd.name); len(errs) > 0 {
		for _, err := range errs {
			logrus.WithFields(logrus.Fields{
				logfield.ErrorReason: err.Error(),
				logfield.Component:   mainComponent,
				logfield.Event:       "VALIDATE-CONFIG",
			}).Error("config validation error")
		}
		return exitUsage
	}
	setLogFormatter(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	// stop signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	code := exitOK
	group.Go(func() error {
		code = cmd.run(ctx, cfg)
		cancel()
		return nil
	})
	group.Go(func() error {
		select {
		case s := <-sig:
			logrus.WithFields(logrus.Fields{
				logfield.Component: mainComponent,
				logfield.Event:     "SHUTDOWN",
			}).Infof("received signal %s, stopping after the current network calls", s)
			cancel()
			return context.Canceled
		case <-ctx.Done():
			return nil
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			logfield.ErrorReason: err.Error(),
			logfield.Component:   mainComponent,
			logfield.Event:       "SHUTDOWN",
		}).Error("shutdown")
	}
	return code
}

func setLogFormatter(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: redis-mirror <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(os.Stderr, "\nrun redis-mirror <command> -h for the flags of a command")
}

// listFlag is a comma separated list flag. Repeating the flag appends.
type listFlag struct {
	values *[]string
	set    bool
}

func (l *listFlag) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l *listFlag) Set(s string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}
