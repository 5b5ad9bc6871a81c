// Package collector implements the per host collection state machine.
//
// One attempt connects to the management plane, makes sure the remote shell
// service runs, opens a shell session, runs the static commands and the
// commands generated from discovered drivers. Cleanup runs at the end of
// every attempt which got a management session, whatever the outcome. Only
// connection level failures start another attempt.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/drivers"
	"github.com/CZERTAINLY/Harvester/internal/log"
	"github.com/CZERTAINLY/Harvester/internal/model"
)

// ManagementPlane controls services of a remote host. Implementations
// return errors wrapping model.ErrAuth for rejected credentials and
// model.ErrConnect for other connection failures.
type ManagementPlane interface {
	Connect(ctx context.Context, host string, creds model.Credentials) (MgmtSession, error)
}

type MgmtSession interface {
	// ServiceState reports if the service is running, returns an error
	// wrapping model.ErrServiceNotFound when the host has no such service.
	ServiceState(ctx context.Context, key string) (bool, error)
	SetServiceState(ctx context.Context, key string, running bool) error
	Disconnect(ctx context.Context) error
}

// Shell opens remote shell sessions
type Shell interface {
	Open(ctx context.Context, host string, creds model.Credentials, timeout time.Duration) (ShellSession, error)
}

type ShellSession interface {
	Run(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
	Close() error
}

type ExecResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Matchers of the driver column in the adapter listings. Network adapters
// list the column with a suffix on some builds, hence the substring match.
var (
	StorageDriverColumn = drivers.Exact("Driver")
	NetworkDriverColumn = drivers.Contains("Driver")
)

type Collector struct {
	mgmt  ManagementPlane
	shell Shell
	creds model.Credentials
	opts  model.Options
	log   *slog.Logger
}

// New returns a Collector. Logger may be nil, slog.Default() is used then.
func New(mgmt ManagementPlane, shell Shell, creds model.Credentials, opts model.Options, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DynamicCommand == "" {
		opts.DynamicCommand = model.DefaultDynamicCommand
	}
	return &Collector{
		mgmt:  mgmt,
		shell: shell,
		creds: creds,
		opts:  opts,
		log:   logger,
	}
}

// Collect runs the attempts for a single host and always returns a result
// with all values present. Errors are reported in the result.
func (c *Collector) Collect(ctx context.Context, task model.HostTask) model.CollectionResult {
	ctx = log.WithHost(ctx, task.Hostname)
	maxAttempts := c.opts.Retries + 1

	for attempt := 1; ; attempt++ {
		res := model.NewCollectionResult(task.Hostname, c.opts.Commands)
		res.Attempts = attempt
		c.log.InfoContext(ctx, "collecting", slog.Int("attempt", attempt), slog.Int("max_attempts", maxAttempts))

		err := c.attempt(ctx, task.Hostname, &res)
		if err == nil {
			res.Success = true
			c.transition(ctx, Succeeded)
			c.log.Log(ctx, log.LevelSuccess, "collected", slog.Int("attempt", attempt))
			return res
		}
		res.Err = err

		if !model.Retryable(err) || attempt >= maxAttempts {
			c.transition(ctx, Failed)
			c.log.ErrorContext(ctx, "collection failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return res
		}
		c.log.WarnContext(ctx, "attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", c.opts.RetryDelay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, c.opts.RetryDelay); err != nil {
			res.Err = errors.Join(res.Err, err)
			c.log.ErrorContext(ctx, "collection aborted", slog.String("error", err.Error()))
			return res
		}
		c.transition(ctx, Pending)
	}
}

func (c *Collector) attempt(ctx context.Context, host string, res *model.CollectionResult) error {
	c.transition(ctx, Connecting)
	cctx, cancel := c.callCtx(ctx)
	mgmt, err := c.mgmt.Connect(cctx, host, c.creds)
	cancel()
	if err != nil {
		return connectErr(ctx, "management plane", err)
	}

	var (
		shell        ShellSession
		serviceKnown bool
		serviceWasOn bool
	)
	defer func() {
		c.cleanup(ctx, mgmt, shell, serviceKnown, serviceWasOn)
	}()

	c.transition(ctx, ServiceCheck)
	cctx, cancel = c.callCtx(ctx)
	running, err := mgmt.ServiceState(cctx, c.opts.Service)
	cancel()
	if err != nil {
		if errors.Is(err, model.ErrServiceNotFound) {
			return err
		}
		return connectErr(ctx, "querying service "+c.opts.Service, err)
	}
	serviceKnown, serviceWasOn = true, running

	if !running {
		c.transition(ctx, ServiceEnable)
		cctx, cancel = c.callCtx(ctx)
		err := mgmt.SetServiceState(cctx, c.opts.Service, true)
		cancel()
		if err != nil {
			return connectErr(ctx, "starting service "+c.opts.Service, err)
		}
		if err := sleep(ctx, c.opts.SettleDelay); err != nil {
			return err
		}
		cctx, cancel = c.callCtx(ctx)
		up, err := mgmt.ServiceState(cctx, c.opts.Service)
		cancel()
		switch {
		case err != nil:
			c.log.WarnContext(ctx, "service state unknown after start", slog.String("service", c.opts.Service), slog.String("error", err.Error()))
		case !up:
			c.log.WarnContext(ctx, "service did not start", slog.String("service", c.opts.Service))
		}
	}

	c.transition(ctx, ShellOpen)
	shell, err = c.shell.Open(ctx, host, c.creds, c.opts.Timeout)
	if err != nil {
		return connectErr(ctx, "shell", err)
	}

	c.transition(ctx, StaticCommands)
	for _, spec := range c.opts.Commands {
		out, err := c.run(ctx, shell, spec.Command)
		if err != nil {
			res.Values[spec.Key] = model.ErrorPrefix + err.Error()
			return fmt.Errorf("%w: %s: %w", model.ErrCommand, spec.Key, err)
		}
		res.Values[spec.Key] = out
	}

	c.transition(ctx, DriverDiscovery)
	found := drivers.Union(
		drivers.Extract(res.Values[model.StorageAdaptersKey], StorageDriverColumn),
		drivers.Extract(res.Values[model.NetworkAdaptersKey], NetworkDriverColumn),
	)
	c.log.DebugContext(ctx, "drivers discovered", slog.Any("drivers", found.Sorted()))

	c.transition(ctx, DynamicCommands)
	res.Values[model.DynamicKey] = c.runDynamic(ctx, shell, found.Sorted())
	return nil
}

// runDynamic runs one command per driver. Failures are kept inline and do
// not stop the other commands.
func (c *Collector) runDynamic(ctx context.Context, shell ShellSession, names []string) string {
	blocks := make([]string, 0, len(names))
	for _, name := range names {
		cmd := fmt.Sprintf(c.opts.DynamicCommand, name)
		out, err := c.run(ctx, shell, cmd)
		if err != nil {
			c.log.WarnContext(ctx, "dynamic command failed", slog.String("command", cmd), slog.String("error", err.Error()))
			out = model.ErrorPrefix + err.Error()
		}
		blocks = append(blocks, "=== "+cmd+" ===\n"+out)
	}
	return strings.Join(blocks, "\n\n")
}

// run executes a command. A command fails on a transport error or when it
// exits non-zero with something on stderr; grep finding nothing exits 1
// silently and counts as an empty output.
func (c *Collector) run(ctx context.Context, shell ShellSession, command string) (string, error) {
	r, err := shell.Run(ctx, command, c.opts.Timeout)
	if err != nil {
		return "", err
	}
	stdout := strings.TrimRight(r.Stdout, "\r\n")
	if r.ExitStatus != 0 {
		if stderr := strings.TrimSpace(r.Stderr); stderr != "" {
			return "", fmt.Errorf("exit status %d: %s", r.ExitStatus, stderr)
		}
	}
	return stdout, nil
}

// cleanup never fails, problems are logged as warnings
func (c *Collector) cleanup(ctx context.Context, mgmt MgmtSession, shell ShellSession, serviceKnown, serviceWasOn bool) {
	c.transition(ctx, Cleanup)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout())
	defer cancel()

	var errs []error
	if shell != nil {
		if err := shell.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing shell: %w", err))
		}
	}
	// preserve mode leaves a service which was running alone
	if serviceKnown && (!c.opts.PreserveServiceState || !serviceWasOn) {
		if err := mgmt.SetServiceState(ctx, c.opts.Service, false); err != nil {
			errs = append(errs, fmt.Errorf("stopping service %s: %w", c.opts.Service, err))
		}
	}
	if err := mgmt.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnecting: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		c.log.WarnContext(ctx, "cleanup incomplete", slog.String("error", fmt.Errorf("%w: %w", model.ErrCleanup, err).Error()))
	}
}

func (c *Collector) callTimeout() time.Duration {
	if c.opts.Timeout > 0 {
		return c.opts.Timeout
	}
	return time.Minute
}

// callCtx bounds a single management plane call, a host which accepts the
// connection and never answers must not hold the worker
func (c *Collector) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout())
}

func (c *Collector) transition(ctx context.Context, s State) {
	c.log.DebugContext(ctx, "state", slog.String("state", s.String()))
}

// connectErr keeps authentication and connection errors as they are and
// classifies anything else as a connection failure. A call which ran out
// of its own time is a connection failure too, unless ctx itself is done.
func connectErr(ctx context.Context, what string, err error) error {
	if errors.Is(err, model.ErrAuth) || errors.Is(err, model.ErrConnect) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrConnect, what, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
