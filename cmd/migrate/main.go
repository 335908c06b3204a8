// Command migrate применяет встроенные миграции PostgreSQL.
//
//	migrate -command up [-steps N]
//	migrate -command down [-steps N]
//	migrate -command to -version N
//	migrate -command status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "COMMERCE_POSTGRES_DSN"
)

type options struct {
	command string
	steps   int
	version int64
	dsn     string
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	opts := options{version: -1}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.command, "command", "up", "up | down | to | status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (up: 0 = all) or roll back (down: 0 = one)")
	fs.Int64Var(&opts.version, "version", -1, "target version for -command to")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN, defaults to $"+dsnEnv)
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts.command = strings.ToLower(strings.TrimSpace(opts.command))
	switch opts.command {
	case "up", "down", "status":
	case "to":
		if opts.version < 0 {
			return options{}, errors.New("-version is required for -command to")
		}
	default:
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	if opts.steps < 0 {
		return options{}, errors.New("-steps must not be negative")
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(dsnEnv))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("-dsn or %s is required", dsnEnv)
	}
	return opts, nil
}

func run(args []string, getenv func(string) string, stdout io.Writer) error {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	migrator, err := store.Migrator()
	if err != nil {
		return err
	}

	var changed int
	switch opts.command {
	case "up":
		changed, err = migrator.Up(ctx, opts.steps)
	case "down":
		changed, err = migrator.Down(ctx, opts.steps)
	case "to":
		changed, err = migrator.To(ctx, opts.version)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", opts.command, err)
	}

	state, err := migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if opts.command != "status" {
		_, _ = fmt.Fprintf(stdout, "%s: %d migration(s) changed\n", opts.command, changed)
	}
	return printStatus(stdout, state)
}

func printStatus(w io.Writer, state postgres.SchemaState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
	for _, m := range state.Migrations {
		applied := "pending"
		if m.Applied() {
			applied = m.AppliedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%04d\t%s\t%s\n", m.Version, m.Name, applied)
	}
	_, _ = fmt.Fprintf(tw, "schema version %d, %d applied, %d pending\n", state.Version, state.Applied(), state.Pending())
	return tw.Flush()
}
