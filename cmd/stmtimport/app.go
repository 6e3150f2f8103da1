package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/firestore"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/importer"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/logger"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/normalize"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/output"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/registry"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/rules"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/scanner"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/sqlitestore"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/streaming"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/ui"
)

// commonFlags are shared by every command.
type commonFlags struct {
	configDir   string
	tenant      string
	institution string
	ledger      string
	journal     string
	rules       string
	merge       bool
	verbose     bool
	jsonOut     bool
	events      bool
	limit       int
	reload      string
}

func (o *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configDir, "config-dir", os.Getenv(envConfigDir), "Directory of institution configuration documents, added to the built-in ones")
	fs.StringVar(&o.tenant, "tenant", os.Getenv(envTenant), "Tenant whose configurations take precedence")
	fs.StringVar(&o.institution, "institution", "", "Only consider configurations of this institution")
	fs.StringVar(&o.ledger, "ledger", os.Getenv(envLedger), "Ledger: file:<state.json>, sqlite:<db> or firestore:<project>/<tenant>")
	fs.StringVar(&o.journal, "journal", os.Getenv(envJournal), "Import journal JSON file")
	fs.StringVar(&o.rules, "rules", "", "Category rules YAML file replacing the built-in rules")
	fs.BoolVar(&o.merge, "merge", true, "Merge reports into an existing journal")
	fs.BoolVar(&o.verbose, "verbose", false, "Show detailed logs")
	fs.BoolVar(&o.jsonOut, "json", false, "Print report JSON on stdout instead of a summary")
	fs.BoolVar(&o.events, "events", false, "Print stage events on stderr as they happen")
	fs.IntVar(&o.limit, "limit", 5, "Issues shown per list (0 shows all)")
}

func newFlagSet(name string, stderr io.Writer, opts *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs)
	return fs
}

// ledgerHandle is an opened ledger backend.
type ledgerHandle struct {
	importer.Ledger
	spec      string
	existing  func(ctx context.Context) (dedup.FingerprintSet, error)
	configs   config.Source
	putConfig func(ctx context.Context, doc config.Document) error
	close     func() error
}

func openLedger(ctx context.Context, spec string, log zerolog.Logger) (*ledgerHandle, error) {
	kind, target, ok := strings.Cut(spec, ":")
	if !ok || target == "" {
		return nil, fmt.Errorf("invalid ledger %q: expected file:<path>, sqlite:<path> or firestore:<project>/<tenant>", spec)
	}

	switch kind {
	case "file":
		l, err := dedup.OpenFileLedger(target)
		if err != nil {
			return nil, err
		}
		return &ledgerHandle{
			Ledger:   l,
			spec:     spec,
			existing: func(context.Context) (dedup.FingerprintSet, error) { return l.State(), nil },
			close:    func() error { return nil },
		}, nil

	case "sqlite":
		s, err := sqlitestore.Open(ctx, target, sqlitestore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return &ledgerHandle{
			Ledger: s,
			spec:   spec,
			existing: func(ctx context.Context) (dedup.FingerprintSet, error) {
				return s.Fingerprints(ctx)
			},
			configs:   s,
			putConfig: s.PutConfig,
			close:     s.Close,
		}, nil

	case "firestore":
		project, tenant, ok := strings.Cut(target, "/")
		if !ok || project == "" || tenant == "" {
			return nil, fmt.Errorf("invalid firestore ledger %q: expected firestore:<project>/<tenant>", spec)
		}
		c, err := firestore.NewClient(ctx, project, tenant)
		if err != nil {
			return nil, err
		}
		return &ledgerHandle{
			Ledger: c,
			spec:   spec,
			existing: func(ctx context.Context) (dedup.FingerprintSet, error) {
				return c.Fingerprints(ctx)
			},
			configs:   c,
			putConfig: c.PutConfig,
			close:     c.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown ledger kind %q", kind)
}

// app wires the pipeline for one command run.
type app struct {
	opts    commonFlags
	stdout  io.Writer
	printer *ui.Printer
	log     zerolog.Logger

	ledger  *ledgerHandle
	store   *config.Store
	watcher *config.Watcher
	coord   *importer.Coordinator

	hub        *streaming.StreamHub
	subscriber *streaming.Client
	eventsDone sync.WaitGroup
}

func newApp(ctx context.Context, opts commonFlags, stdout, stderr io.Writer, needLedger bool) (*app, error) {
	log := logger.NewConsole(stderr, opts.verbose)
	if !opts.verbose {
		log = log.Level(zerolog.WarnLevel)
	}

	a := &app{opts: opts, stdout: stdout, printer: ui.NewPrinter(stdout), log: log}

	if opts.ledger != "" {
		l, err := openLedger(ctx, opts.ledger, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		a.ledger = l
	} else if needLedger {
		return nil, fmt.Errorf("-ledger is required (or set %s)", envLedger)
	}

	sources := config.MultiSource{config.Defaults()}
	if opts.configDir != "" {
		sources = append(sources, config.NewDirSource(opts.configDir))
	}
	if a.ledger != nil && a.ledger.configs != nil {
		sources = append(sources, a.ledger.configs)
	}
	store, err := config.NewStore(ctx, sources, config.WithLogger(log))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a.store = store

	if opts.reload != "" {
		a.watcher = config.NewWatcher(store, opts.reload, log)
		if err := a.watcher.Start(); err != nil {
			a.Close()
			return nil, err
		}
	}

	emitters := streaming.Multi{streaming.NewLogEmitter(log)}
	if opts.events {
		a.hub = streaming.NewStreamHub(log)
		a.subscriber = a.hub.Register(ctx, streaming.AllImports)
		events := ui.NewPrinter(stderr)
		a.eventsDone.Add(1)
		go func(c *streaming.Client) {
			defer a.eventsDone.Done()
			for e := range c.Events {
				events.Event(e)
			}
		}(a.subscriber)
		emitters = append(emitters, a.hub)
	}

	coordOpts := []importer.Option{importer.WithEmitter(emitters), importer.WithLogger(log)}
	if opts.rules != "" {
		engine, err := rules.LoadFromFile(opts.rules)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Info().Str("file", opts.rules).Int("rules", len(engine.GetRules())).Msg("loaded category rules")
		coordOpts = append(coordOpts, importer.WithNormalizer(normalize.New(engine)))
	}

	coord, err := importer.New(registry.MustNew(), store, coordOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coord
	return a, nil
}

// Close stops the watcher and the event printer and closes the ledger.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.hub != nil {
		a.hub.Unregister(streaming.AllImports, a.subscriber)
		a.eventsDone.Wait()
	}
	if a.ledger != nil {
		if err := a.ledger.close(); err != nil {
			a.log.Error().Err(err).Str("ledger", a.ledger.spec).Msg("failed to close ledger")
		}
	}
}

// preview reads path and previews it. A nil batch means the statement never
// reached the coordinator or the run was cancelled.
func (a *app) preview(ctx context.Context, path, account, mediaType string) (*importer.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if mediaType == "" {
		mediaType = scanner.MediaType(path)
	}

	req := importer.Request{
		Data:      data,
		FileName:  filepath.Base(path),
		MediaType: mediaType,
		Scope:     config.Scope{Tenant: a.opts.tenant, Institution: a.opts.institution},
		Account:   account,
	}
	if a.ledger != nil {
		existing, err := a.ledger.existing(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load committed fingerprints: %w", err)
		}
		req.Existing = existing
	}
	return a.coord.Preview(ctx, req)
}

// report prints the outcome of b and records it in the journal.
func (a *app) report(b *importer.Batch, commit *importer.CommitResult, cause error) error {
	r := output.NewReport(b, commit)
	if a.opts.jsonOut {
		if err := output.WriteReport(r, a.stdout); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else {
		a.summarize(r, cause)
	}

	if a.opts.journal != "" {
		opts := output.WriteOptions{MergeMode: a.opts.merge, FilePath: a.opts.journal}
		if err := output.WriteReportToFile(r, opts); err != nil {
			return fmt.Errorf("failed to write journal: %w", err)
		}
	}
	return nil
}

func (a *app) summarize(r *output.Report, cause error) {
	name := r.Outcome.Metadata.FileName
	if r.State == importer.StateRejected {
		a.printer.Error(fmt.Sprintf("%s rejected: %v", name, cause))
		return
	}
	a.printer.Preview(r.Outcome, a.opts.limit)
	if r.Commit != nil {
		a.printer.Success(fmt.Sprintf("Committed %d transactions from %s (token %s)", len(r.Commit.Transactions), name, r.Commit.Token))
		if n := len(r.Commit.Failures); n > 0 {
			a.printer.Warning(fmt.Sprintf("%d transactions could not be stored", n))
		}
	}
}
