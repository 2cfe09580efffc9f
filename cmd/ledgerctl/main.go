// Package main is the operator CLI for the ledger: schema migrations, one-off
// rotation and reset runs, admin token issuance, and remote authorization
// requests against a running server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/riskledger/internal/app/runtime"
	"github.com/R3E-Network/riskledger/internal/app/services/institutions"
	"github.com/R3E-Network/riskledger/internal/config"
	"github.com/R3E-Network/riskledger/internal/httputil"
	"github.com/R3E-Network/riskledger/internal/middleware"
	"github.com/R3E-Network/riskledger/internal/platform/migrations"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  migrate up|down|version   manage the database schema (DATABASE_URL)
  seed                      create the default institutions if none exist
  rotate                    rotate every institution's secret codes once
  reset                     run the daily counter reset check once
  token                     issue an HS256 admin token (AUTH_JWT_SECRET)
  authorize                 request a debit authorization from a server
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatalf("ledgerctl: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		return runMigrate(rest, out)
	case "seed", "rotate", "reset":
		return runLocal(ctx, cmd, out)
	case "token":
		return runToken(rest, out)
	case "authorize":
		return runAuthorize(ctx, rest, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if len(args) == 0 {
		return errUsage
	}
	action := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dsn := cfg.Database.DSN
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	switch action {
	case "up":
		if err := migrations.Up(dsn); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations applied")
	case "down":
		if err := migrations.Down(dsn, *steps); err != nil {
			return err
		}
		fmt.Fprintf(out, "rolled back %d migration(s)\n", *steps)
	case "version":
		version, dirty, err := migrations.Version(dsn)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version %d (dirty=%t)\n", version, dirty)
	default:
		return fmt.Errorf("unknown migrate action %q: %w", action, errUsage)
	}
	return nil
}

// runLocal executes one service operation against the configured store
// without starting the background runners.
func runLocal(ctx context.Context, cmd string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	appLog := runtime.NewLogger(cfg)
	resources, err := runtime.Open(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	defer resources.Close()

	core, err := runtime.NewCore(cfg, resources, appLog)
	if err != nil {
		return err
	}

	switch cmd {
	case "seed":
		created, err := core.Institutions.Seed(ctx, institutions.DefaultSeeds)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %d institution(s)\n", created)
		return nil
	case "rotate":
		report, err := core.Rotation.RotateAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, report)
	default:
		didReset, err := core.Counters.MaybeReset(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "reset performed: %t\n", didReset)
		return nil
	}
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 signing secret")
	subject := fs.String("sub", "operator", "token subject")
	role := fs.String("role", "admin", "role claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("a signing secret is required (-secret or AUTH_JWT_SECRET)")
	}
	token, err := middleware.IssueToken([]byte(*secret), *subject, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runAuthorize(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
	baseURL := fs.String("url", "http://localhost:8080", "ledger server base URL")
	accountID := fs.String("account", "", "account id")
	amount := fs.String("amount", "", "debit amount")
	token := fs.String("token", "", "bearer token")
	retries := fs.Int("retries", 3, "retries for retryable failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountID == "" || *amount == "" {
		return fmt.Errorf("-account and -amount are required: %w", errUsage)
	}
	value, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: *baseURL, Token: *token, MaxRetries: *retries})
	var decision map[string]interface{}
	err = client.Do(ctx, http.MethodPost, "/accounts/"+*accountID+"/authorizations",
		map[string]interface{}{"amount": value}, &decision, http.StatusUnprocessableEntity)
	if err != nil {
		return err
	}
	return printJSON(out, decision)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
