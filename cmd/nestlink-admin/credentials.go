package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/helpers"
)

func runCredentials(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printCredentialsUsage(out)
		return errors.New("missing credentials subcommand")
	}

	switch sub := args[0]; sub {
	case "set":
		return credentialsSet(ctx, args[1:], out)
	case "clear":
		return credentialsClear(ctx, args[1:], out)
	case "show":
		return credentialsShow(ctx, args[1:], out)
	case "help", "--help", "-h":
		printCredentialsUsage(out)
		return nil
	default:
		printCredentialsUsage(out)
		return fmt.Errorf("unknown credentials subcommand: %s", sub)
	}
}

func printCredentialsUsage(w io.Writer) {
	fmt.Fprint(w, `Credential store management

Usage:
  nestlink-admin credentials <set|clear|show> [options]

A running nestlink picks up changes on its next poll, or immediately when the
backend supports change notifications.
`)
}

func openStore(ctx context.Context, f *adminFlags) (credentials.ReadWriteStore, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return credentials.Open(ctx, cfg)
}

func credentialsSet(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("credentials set", flag.ContinueOnError)
	fs.SetOutput(out)
	var af adminFlags
	af.register(fs)
	userID := fs.String("user-id", "", "User id (required)")
	token := fs.String("token", "", "Access token (required)")
	allowExpired := fs.Bool("allow-expired", false, "Store the token even if it is an expired JWT")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cred := credentials.Credential{UserID: *userID, Token: *token}
	if !cred.Valid() {
		return errors.New("--user-id and --token are required")
	}
	if err := credentials.CheckTokenExpiry(cred.Token, time.Now()); err != nil && !*allowExpired {
		return fmt.Errorf("refusing to store token: %w (use --allow-expired to override)", err)
	}

	store, err := openStore(ctx, &af)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	fmt.Fprintf(out, "Stored credential for user %s (token %s)\n", cred.UserID, helpers.TokenFingerprint(cred.Token))
	return nil
}

func credentialsClear(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("credentials clear", flag.ContinueOnError)
	fs.SetOutput(out)
	var af adminFlags
	af.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(ctx, &af)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	fmt.Fprintln(out, "Credential cleared")
	return nil
}

func credentialsShow(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("credentials show", flag.ContinueOnError)
	fs.SetOutput(out)
	var af adminFlags
	af.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(ctx, &af)
	if err != nil {
		return err
	}
	defer store.Close()

	cred, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !cred.Valid() {
		fmt.Fprintln(out, "No credential stored (signed out)")
		return nil
	}

	fmt.Fprintf(out, "User ID: %s\n", cred.UserID)
	fmt.Fprintf(out, "Token:   %s (fingerprint %s)\n", helpers.MaskToken(cred.Token), helpers.TokenFingerprint(cred.Token))
	switch err := credentials.CheckTokenExpiry(cred.Token, time.Now()); {
	case err == nil:
		fmt.Fprintln(out, "Expiry:  ok")
	case errors.Is(err, consts.ErrTokenExpired):
		fmt.Fprintln(out, "Expiry:  EXPIRED (the session treats this as signed out)")
	default:
		fmt.Fprintf(out, "Expiry:  %v\n", err)
	}
	return nil
}
