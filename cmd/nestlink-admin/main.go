package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/pkg/errors"
)

const defaultConfigPath = "nestlink.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(errors.ExitFatal)
	}

	ctx := context.Background()
	var err error
	switch command := os.Args[1]; command {
	case "credentials":
		err = runCredentials(ctx, os.Args[2:], os.Stdout)
	case "migrate":
		err = runMigrate(os.Args[2:], os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage(os.Stdout)
		os.Exit(errors.ExitFatal)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitFatal)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `nestlink admin tool

Usage:
  nestlink-admin <command> <subcommand> [options]

Commands:
  credentials set     Store the signed-in user's id and access token
  credentials clear   Remove the stored credential (sign out)
  credentials show    Show the stored user id and a token fingerprint
  migrate up          Apply pending credential database migrations
  migrate version     Show the credential database schema version
  help                Show this help message

Examples:
  nestlink-admin credentials set --user-id u1 --token eyJhbGciOi...
  nestlink-admin credentials show --config /etc/nestlink.toml
  nestlink-admin migrate up --sqlite-path /var/lib/nestlink/nestlink.db

Use 'nestlink-admin <command> <subcommand> --help' for more information.
`)
}

// adminFlags are shared by every subcommand that touches the credential store.
type adminFlags struct {
	configPath string
	backend    string
	sqlitePath string
	redisAddr  string
}

func (f *adminFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	fs.StringVar(&f.backend, "backend", "", "Credential backend: sqlite, redis (overrides config)")
	fs.StringVar(&f.sqlitePath, "sqlite-path", "", "SQLite database path (overrides config)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address (overrides config)")
}

// load reads the config file, tolerating a missing default, and applies overrides.
func (f *adminFlags) load() (config.CredentialsConfig, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(f.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || f.configPath != defaultConfigPath {
			return config.CredentialsConfig{}, fmt.Errorf("load config %s: %w", f.configPath, err)
		}
	}
	creds := cfg.Credentials
	if f.backend != "" {
		creds.Backend = f.backend
	}
	if f.sqlitePath != "" {
		creds.SQLite.Path = f.sqlitePath
	}
	if f.redisAddr != "" {
		creds.Redis.Addr = f.redisAddr
	}
	if creds.Backend == "memory" {
		return creds, fmt.Errorf("the memory backend lives inside the nestlink process and cannot be administered")
	}
	return creds, nil
}
