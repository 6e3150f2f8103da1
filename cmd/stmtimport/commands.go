package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/importer"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/output"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/scanner"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/validate"
)

func runPreview(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts commonFlags
	fs := newFlagSet("preview", stderr, &opts)
	account := fs.String("account", "", "Account id for transactions whose statement names none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("preview needs at least one statement file")
	}

	a, err := newApp(ctx, opts, stdout, stderr, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.jsonOut {
		a.printer.Header("Statement Preview")
	}
	rejected := 0
	for _, path := range fs.Args() {
		b, err := a.preview(ctx, path, *account, "")
		if b == nil {
			return err
		}
		if err != nil {
			rejected++
		}
		if err := a.report(b, nil, err); err != nil {
			return err
		}
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d statements rejected", rejected, fs.NArg())
	}
	return nil
}

func runCommit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts commonFlags
	fs := newFlagSet("commit", stderr, &opts)
	account := fs.String("account", "", "Account id for transactions whose statement names none")
	token := fs.String("token", "", "Commit token (default: a new UUID)")
	skipWithin := fs.Bool("skip-within-batch", false, "Do not commit repeats of a row earlier in the same statement")
	includeExisting := fs.Bool("include-existing", false, "Commit rows already present in the ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("commit needs exactly one statement file")
	}

	a, err := newApp(ctx, opts, stdout, stderr, true)
	if err != nil {
		return err
	}
	defer a.Close()

	tok := *token
	if tok == "" {
		tok = uuid.NewString()
	}
	policy := importer.CommitPolicy{SkipWithinBatch: *skipWithin, IncludeExisting: *includeExisting}
	_, err = a.commitFile(ctx, fs.Arg(0), *account, "", tok, policy)
	return err
}

// commitFile previews path and commits it under token. The returned result
// is nil when the statement was rejected.
func (a *app) commitFile(ctx context.Context, path, account, mediaType, token string, policy importer.CommitPolicy) (*importer.CommitResult, error) {
	b, err := a.preview(ctx, path, account, mediaType)
	if b == nil {
		return nil, err
	}
	if err != nil {
		if rerr := a.report(b, nil, err); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}

	res, err := a.coord.Commit(ctx, b, token, a.ledger, policy)
	if err != nil {
		return nil, fmt.Errorf("commit of %s failed: %w", path, err)
	}
	return res, a.report(b, res, nil)
}

func runRollback(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts commonFlags
	fs := newFlagSet("rollback", stderr, &opts)
	token := fs.String("token", "", "Token of the commit to revert (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("-token is required")
	}

	a, err := newApp(ctx, opts, stdout, stderr, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ledger.Revert(ctx, *token); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	if opts.journal != "" {
		j, err := output.LoadJournal(opts.journal)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return fmt.Errorf("failed to load journal: %w", err)
		default:
			if r, ok := j.FindToken(*token); ok {
				r.State = importer.StateRolledBack
				if err := output.SaveJournal(j, opts.journal); err != nil {
					return fmt.Errorf("failed to write journal: %w", err)
				}
			} else {
				a.printer.Warning(fmt.Sprintf("token %s not found in %s", *token, opts.journal))
			}
		}
	}

	a.printer.Success(fmt.Sprintf("Rolled back %s", *token))
	return nil
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts commonFlags
	fs := newFlagSet("scan", stderr, &opts)
	input := fs.String("input", "", "Directory containing statements (required)")
	commit := fs.Bool("commit", false, "Commit every statement that previews cleanly")
	dryRun := fs.Bool("dry-run", false, "List the statements that would be imported")
	skipWithin := fs.Bool("skip-within-batch", false, "Do not commit repeats of a row earlier in the same statement")
	includeExisting := fs.Bool("include-existing", false, "Commit rows already present in the ledger")
	fs.StringVar(&opts.reload, "reload", "", "Cron schedule for reloading configuration during the scan, e.g. \"@every 30s\"")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("-input is required")
	}

	sources, err := scanner.New(*input).Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan directory %s: %w", *input, err)
	}

	if *dryRun {
		fmt.Fprintf(stdout, "Dry run complete. Would process %d files.\n", len(sources))
		for _, src := range sources {
			fmt.Fprintf(stdout, "  - %s (institution: %s, account: %s)\n", src.Path, orUnknown(src.Institution), orUnknown(src.Account))
		}
		return nil
	}
	if len(sources) == 0 {
		return fmt.Errorf("no statement files found in %s", *input)
	}

	a, err := newApp(ctx, opts, stdout, stderr, *commit)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.jsonOut {
		a.printer.Header("Importing Statements")
	}
	policy := importer.CommitPolicy{SkipWithinBatch: *skipWithin, IncludeExisting: *includeExisting}
	var previewed, committed, rejected int
	for i, src := range sources {
		if !opts.jsonOut {
			a.printer.Step(i+1, len(sources), src.Path)
		}

		if *commit {
			res, err := a.commitFile(ctx, src.Path, src.Account, src.MediaType, uuid.NewString(), policy)
			switch {
			case res != nil:
				committed++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case isRejection(err):
				rejected++
			default:
				return err
			}
			continue
		}

		b, err := a.preview(ctx, src.Path, src.Account, src.MediaType)
		if b == nil {
			return err
		}
		if err != nil {
			rejected++
		} else {
			previewed++
		}
		if err := a.report(b, nil, err); err != nil {
			return err
		}
	}

	if !opts.jsonOut {
		a.printer.Info(fmt.Sprintf("%d previewed, %d committed, %d rejected", previewed, committed, rejected))
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d statements rejected", rejected, len(sources))
	}
	return nil
}

// isRejection reports whether err is the coordinator refusing a statement.
func isRejection(err error) bool {
	return errors.Is(err, importer.ErrUnsupportedFormat) ||
		errors.Is(err, importer.ErrNoExtractor) ||
		errors.Is(err, importer.ErrPrecondition)
}

func orUnknown(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}

func runConfig(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("config needs a subcommand: check or put")
	}

	var opts commonFlags
	fs := newFlagSet("config "+args[0], stderr, &opts)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "check":
		a, err := newApp(ctx, opts, stdout, stderr, false)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.checkConfig()

	case "put":
		if fs.NArg() == 0 {
			return errors.New("config put needs at least one document")
		}
		a, err := newApp(ctx, opts, stdout, stderr, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.ledger.putConfig == nil {
			return fmt.Errorf("ledger %s cannot store configuration", a.ledger.spec)
		}
		for _, path := range fs.Args() {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			doc := config.Document{Name: filepath.Base(path), Data: data}
			if err := a.ledger.putConfig(ctx, doc); err != nil {
				return fmt.Errorf("failed to store %s: %w", path, err)
			}
			a.printer.Success(fmt.Sprintf("Stored %s", doc.Name))
		}
		if _, err := a.store.Reload(ctx); err != nil {
			return fmt.Errorf("stored documents do not load together: %w", err)
		}
		return a.checkConfig()
	}
	return fmt.Errorf("unknown config subcommand %q", args[0])
}

func (a *app) checkConfig() error {
	snap := a.store.Snapshot()
	result := validate.ValidateSnapshot(snap, time.Now())

	for _, w := range result.Warnings {
		a.printer.Warning(fmt.Sprintf("%s %s [%s]: %s", w.Entity, w.ID, w.Field, w.Message))
	}
	if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			a.printer.Error(fmt.Sprintf("%s %s [%s]: %s", e.Entity, e.ID, e.Field, e.Message))
		}
		return fmt.Errorf("configuration check failed with %d errors", len(result.Errors))
	}
	a.printer.Success(fmt.Sprintf("%d configurations valid (snapshot version %d)", snap.Len(), snap.Version()))
	return nil
}
