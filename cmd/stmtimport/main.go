package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const (
	version = "0.1.0"
)

// Flag defaults come from the environment. A .env file in the working
// directory is loaded first when present.
const (
	envLedger    = "STMTIMPORT_LEDGER"
	envConfigDir = "STMTIMPORT_CONFIG_DIR"
	envTenant    = "STMTIMPORT_TENANT"
	envJournal   = "STMTIMPORT_JOURNAL"
)

const usage = `stmtimport - bank statement import

Usage:
  stmtimport <command> [flags] [files]

Commands:
  preview   detect, extract and validate statements without committing
  commit    preview one statement and commit it to a ledger
  rollback  revert a commit by its token
  scan      preview (or commit) every statement under a directory
  config    check or store institution configuration documents
  version   print the version

Run "stmtimport <command> -h" for the flags of a command.

Examples:
  # Preview a statement
  stmtimport preview ~/statements/tatra_banka/vypis.txt

  # Commit into a SQLite ledger and record the report in a journal
  stmtimport commit -ledger sqlite:ledger.db -journal imports.json statement.csv

  # Undo that commit
  stmtimport rollback -ledger sqlite:ledger.db -journal imports.json -token <token>

  # Commit a whole inbox, reloading configuration every minute
  stmtimport scan -input ~/statements -commit -ledger file:state.json -reload "@every 1m"

`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("a command is required")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "preview":
		return runPreview(ctx, rest, stdout, stderr)
	case "commit":
		return runCommit(ctx, rest, stdout, stderr)
	case "rollback":
		return runRollback(ctx, rest, stdout, stderr)
	case "scan":
		return runScan(ctx, rest, stdout, stderr)
	case "config":
		return runConfig(ctx, rest, stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "stmtimport version %s\n", version)
		return nil
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
