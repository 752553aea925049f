package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/xenbackend/internal/api"
	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
)

// runToken prints a bearer token for the HTTP API, signed with the
// configured security.jwt.secret.
//
//	xenbackd token [-subject name] [-ttl 24h]
//
// A ttl of 0 issues a token that never expires.
func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "operator", "token subject, logged with each request")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime (0 never expires)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing token flags: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *ttl < 0 {
		return errors.New("ttl must not be negative")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set; the API accepts requests without a token")
	}

	token, err := api.IssueToken(cfg.Security.JWT.Secret, *subject, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}
