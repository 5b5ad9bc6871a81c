package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Harvester/internal/collector"
	"github.com/CZERTAINLY/Harvester/internal/log"
	"github.com/CZERTAINLY/Harvester/internal/model"
	"github.com/CZERTAINLY/Harvester/internal/scheduler"
	"github.com/CZERTAINLY/Harvester/internal/store"

	"github.com/google/uuid"
)

// Harvester is a component, which encapsulates a collection run and executes it.
type Harvester struct {
	cfg    model.Config
	opts   model.Options
	creds  model.Credentials
	mgmt   collector.ManagementPlane
	shell  collector.Shell
	stderr io.Writer
}

// Report summarizes a finished run
type Report struct {
	RunID string
	scheduler.Summary
}

func New(cfg model.Config, creds model.Credentials, mgmt collector.ManagementPlane, shell collector.Shell) (Harvester, error) {
	if cfg.Version != 0 {
		return Harvester{}, fmt.Errorf("%w: config version %d is not supported, expected 0", model.ErrStartup, cfg.Version)
	}
	if err := cfg.Validate(); err != nil {
		return Harvester{}, fmt.Errorf("%w: %w", model.ErrStartup, err)
	}
	opts, err := cfg.Options()
	if err != nil {
		return Harvester{}, fmt.Errorf("%w: %w", model.ErrStartup, err)
	}
	if mgmt == nil || shell == nil {
		return Harvester{}, fmt.Errorf("%w: management plane and shell are required", model.ErrStartup)
	}
	return Harvester{
		cfg:    cfg,
		opts:   opts,
		creds:  creds,
		mgmt:   mgmt,
		shell:  shell,
		stderr: os.Stderr,
	}, nil
}

// WithConsole sets the writer of the console log, stderr by default
func (h Harvester) WithConsole(w io.Writer) Harvester {
	h.stderr = w
	return h
}

// Run collects all hosts not yet present in the result table
func (h Harvester) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString()}

	hosts, err := model.LoadHosts(h.cfg.Hosts)
	if err != nil {
		return report, err
	}

	logFile, err := openLog(h.cfg.Log)
	if err != nil {
		return report, err
	}
	defer func() {
		_ = logFile.Close()
	}()

	writer := store.NewWriter(h.cfg.Output, h.opts.Commands, logFile)
	logger := log.NewWithWriter(h.stderr, h.cfg.Verbose, writer).With(slog.String("run", report.RunID))

	index, err := writer.Initialize()
	if err != nil {
		logger.ErrorContext(ctx, "cannot open result table", slog.String("path", h.cfg.Output), slog.String("error", err.Error()))
		return report, err
	}
	defer func() {
		_ = writer.Close()
	}()

	pending := make([]model.HostTask, 0, len(hosts))
	for _, t := range hosts {
		if !index.Has(t.Hostname) {
			pending = append(pending, t)
		}
	}
	logger.InfoContext(ctx, "hosts loaded",
		slog.Int("hosts", len(hosts)),
		slog.Int("done", len(hosts)-len(pending)),
		slog.Int("pending", len(pending)),
	)
	if len(pending) == 0 {
		// a run killed before its final sort leaves the table unsorted
		if err := writer.Finalize(); err != nil {
			logger.ErrorContext(ctx, "cannot sort result table", slog.String("path", h.cfg.Output), slog.String("error", err.Error()))
			return report, err
		}
		logger.InfoContext(ctx, "nothing to do, all hosts already processed")
		return report, model.ErrNothingToDo
	}
	report.Total = len(pending)
	writer.SetTotal(len(pending))

	c := collector.New(h.mgmt, h.shell, h.creds, h.opts, logger)
	sched := scheduler.New(c, writer, logger)

	var db *sql.DB
	if h.cfg.Journal != "" {
		db, err = store.InitDB(ctx, h.cfg.Journal)
		if err != nil {
			return report, fmt.Errorf("%w: opening journal %s: %w", model.ErrStartup, h.cfg.Journal, err)
		}
		defer func() {
			_ = db.Close()
		}()
		if err := store.StartRun(ctx, db, report.RunID, len(pending)); err != nil {
			return report, fmt.Errorf("%w: starting journal run: %w", model.ErrStartup, err)
		}
		sched.OnResult = func(ctx context.Context, r model.CollectionResult) {
			if err := store.RecordHost(ctx, db, report.RunID, r); err != nil {
				logger.WarnContext(log.WithHost(ctx, r.Hostname), "journal record failed", slog.String("error", err.Error()))
			}
		}
	}

	logger.InfoContext(ctx, "collection started",
		slog.Int("concurrency", h.cfg.Collector.Concurrency),
		slog.String("user", h.creds.String()),
	)
	summary, runErr := sched.Run(ctx, pending, h.cfg.Collector.Concurrency)
	report.Summary = summary

	if runErr == nil || !errors.Is(runErr, model.ErrFatalWrite) {
		if err := writer.Finalize(); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	if db != nil {
		// the run context may be canceled already
		jctx := context.WithoutCancel(ctx)
		var jerr error
		if runErr != nil {
			jerr = store.FailRun(jctx, db, report.RunID, runErr.Error())
		} else {
			jerr = store.FinishRun(jctx, db, report.RunID, summary.Failed)
		}
		if jerr != nil {
			logger.WarnContext(ctx, "journal finish failed", slog.String("error", jerr.Error()))
		}
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "collection aborted", slog.String("summary", summary.String()), slog.String("error", runErr.Error()))
		return report, runErr
	}
	logger.InfoContext(ctx, "collection finished",
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.String("output", h.cfg.Output),
	)
	return report, nil
}

func openLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{io.Discard}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log %s: %w", model.ErrStartup, path, err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
