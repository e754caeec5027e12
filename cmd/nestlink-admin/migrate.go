package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/nestlink/credentials"
)

func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return errors.New("missing migrate subcommand")
	}

	switch sub := args[0]; sub {
	case "up":
		return migrateUp(args[1:], out)
	case "version":
		return migrateVersion(args[1:], out)
	case "help", "--help", "-h":
		printMigrateUsage(out)
		return nil
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprint(w, `Credential database schema migrations (sqlite backend only)

Usage:
  nestlink-admin migrate <up|version> [options]

nestlink applies pending migrations itself when it opens the store; use this
to prepare or inspect a database ahead of time.
`)
}

func sqlitePath(args []string, name string, out io.Writer) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	var af adminFlags
	af.register(fs)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	cfg, err := af.load()
	if err != nil {
		return "", err
	}
	if cfg.Backend != "sqlite" && cfg.Backend != "" {
		return "", fmt.Errorf("migrations apply to the sqlite backend only, configured backend is %q", cfg.Backend)
	}
	if cfg.SQLite.Path == "" {
		return "", errors.New("no sqlite path configured")
	}
	return cfg.SQLite.Path, nil
}

func migrateUp(args []string, out io.Writer) error {
	path, err := sqlitePath(args, "migrate up", out)
	if err != nil {
		return err
	}
	m, err := credentials.NewMigrator(path)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer m.Close()

	fmt.Fprintln(out, "Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply UP migrations: %w", err)
	}
	fmt.Fprintln(out, "Migrations applied successfully.")
	showVersion(m, out)
	return nil
}

func migrateVersion(args []string, out io.Writer) error {
	path, err := sqlitePath(args, "migrate version", out)
	if err != nil {
		return err
	}
	m, err := credentials.NewMigrator(path)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer m.Close()
	showVersion(m, out)
	return nil
}

func showVersion(m *migrate.Migrate, out io.Writer) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "Current migration version: none")
			return
		}
		fmt.Fprintf(out, "Failed to get migration version: %v\n", err)
		return
	}

	fmt.Fprintf(out, "Current migration version: %d\n", version)
	if dirty {
		fmt.Fprintln(out, "Dirty state: YES (database may be in an inconsistent state)")
	} else {
		fmt.Fprintln(out, "Dirty state: no")
	}
}
