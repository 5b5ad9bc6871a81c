package service_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/collector"
	"github.com/CZERTAINLY/Harvester/internal/csvcodec"
	"github.com/CZERTAINLY/Harvester/internal/model"
	"github.com/CZERTAINLY/Harvester/internal/service"
	"github.com/CZERTAINLY/Harvester/internal/store"
	"github.com/stretchr/testify/require"
)

// remote counts every call made to the fake hosts
type remote struct {
	calls   atomic.Int32
	failFor string
}

func (r *remote) Connect(_ context.Context, host string, _ model.Credentials) (collector.MgmtSession, error) {
	r.calls.Add(1)
	if host == r.failFor {
		return nil, fmt.Errorf("%w: no route to host", model.ErrConnect)
	}
	return &mgmtSession{r: r}, nil
}

func (r *remote) Open(_ context.Context, host string, _ model.Credentials, _ time.Duration) (collector.ShellSession, error) {
	r.calls.Add(1)
	return &shellSession{r: r, host: host}, nil
}

type mgmtSession struct {
	r       *remote
	running bool
}

func (s *mgmtSession) ServiceState(context.Context, string) (bool, error) {
	s.r.calls.Add(1)
	return s.running, nil
}

func (s *mgmtSession) SetServiceState(_ context.Context, _ string, running bool) error {
	s.r.calls.Add(1)
	s.running = running
	return nil
}

func (s *mgmtSession) Disconnect(context.Context) error {
	s.r.calls.Add(1)
	return nil
}

type shellSession struct {
	r    *remote
	host string
}

func (s *shellSession) Run(_ context.Context, command string, _ time.Duration) (collector.ExecResult, error) {
	s.r.calls.Add(1)
	return collector.ExecResult{Stdout: s.host + ": " + command + "\n"}, nil
}

func (s *shellSession) Close() error {
	s.r.calls.Add(1)
	return nil
}

func config(t *testing.T, hosts ...string) model.Config {
	t.Helper()
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(hostsPath, []byte(strings.Join(hosts, "\n")+"\n"), 0o644))

	cfg := model.DefaultConfig()
	cfg.Hosts = hostsPath
	cfg.Output = filepath.Join(dir, "inventory.csv")
	cfg.Log = filepath.Join(dir, "harvester.log")
	cfg.Collector.Concurrency = 3
	cfg.Collector.Retries = 0
	cfg.Collector.RetryDelay = "0s"
	cfg.Collector.SettleDelay = "0s"
	return cfg
}

func harvester(t *testing.T, cfg model.Config, r *remote) service.Harvester {
	t.Helper()
	h, err := service.New(cfg, model.Credentials{User: "root", Password: "secret"}, r, r)
	require.NoError(t, err)
	return h.WithConsole(io.Discard)
}

func rows(t *testing.T, path string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, _, err := csvcodec.DecodeTable(string(data))
	require.NoError(t, err)
	return rows
}

func TestRunResumeIdempotent(t *testing.T) {
	t.Parallel()
	cfg := config(t, "esxi03", "esxi01", "", "# rack 2", "esxi02", "esxi01", "esxi05", "esxi04")

	r := &remote{}
	report, err := harvester(t, cfg, r).Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 5, report.Total)
	require.Equal(t, 5, report.Succeeded)
	require.NotEmpty(t, report.RunID)
	require.Positive(t, r.calls.Load())

	first := rows(t, cfg.Output)
	require.Len(t, first, 5)
	for i, row := range first {
		require.Equal(t, fmt.Sprintf("esxi%02d", i+1), row[model.HostnameColumn])
		require.Equal(t, row[model.HostnameColumn]+": esxcli system version get", row["system_version"])
	}
	before, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)

	// second run with the same input has nothing to do
	r2 := &remote{}
	_, err = harvester(t, cfg, r2).Run(t.Context())
	require.ErrorIs(t, err, model.ErrNothingToDo)
	require.Zero(t, r2.calls.Load())
	after, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	require.Equal(t, before, after)

	logData, err := os.ReadFile(cfg.Log)
	require.NoError(t, err)
	require.Contains(t, string(logData), "] [SUCCESS] [esxi03] collected")
	require.Contains(t, string(logData), "nothing to do")
}

func TestRunSortsInterruptedTable(t *testing.T) {
	t.Parallel()
	cfg := config(t, "esxi01", "esxi02", "esxi03")
	opts, err := cfg.Options()
	require.NoError(t, err)

	// a run killed after its last append, before the final sort
	w := store.NewWriter(cfg.Output, opts.Commands, nil)
	_, err = w.Initialize()
	require.NoError(t, err)
	for _, host := range []string{"esxi03", "esxi01", "esxi02"} {
		require.NoError(t, w.AppendResult(model.NewCollectionResult(host, opts.Commands)))
	}
	require.NoError(t, w.Close())

	r := &remote{}
	_, err = harvester(t, cfg, r).Run(t.Context())
	require.ErrorIs(t, err, model.ErrNothingToDo)
	require.Zero(t, r.calls.Load())

	var got []string
	for _, row := range rows(t, cfg.Output) {
		got = append(got, row[model.HostnameColumn])
	}
	require.Equal(t, []string{"esxi01", "esxi02", "esxi03"}, got)
}

func TestRunPartialResume(t *testing.T) {
	t.Parallel()
	cfg := config(t, "esxi01", "esxi02", "esxi03")

	// an interrupted run left one host behind
	w := store.NewWriter(cfg.Output, model.DefaultCommands, nil)
	_, err := w.Initialize()
	require.NoError(t, err)
	prior := model.NewCollectionResult("esxi02", model.DefaultCommands)
	prior.Values["system_version"] = "from the previous run"
	require.NoError(t, w.AppendResult(prior))
	require.NoError(t, w.Close())

	r := &remote{}
	report, err := harvester(t, cfg, r).Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)

	got := rows(t, cfg.Output)
	require.Len(t, got, 3)
	require.Equal(t, "esxi02", got[1][model.HostnameColumn])
	require.Equal(t, "from the previous run", got[1]["system_version"])
}

func TestRunJournal(t *testing.T) {
	t.Parallel()
	cfg := config(t, "esxi01", "esxi02", "esxi03")
	cfg.Journal = filepath.Join(t.TempDir(), "journal.db")

	r := &remote{failFor: "esxi02"}
	report, err := harvester(t, cfg, r).Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)

	db, err := store.InitDB(t.Context(), cfg.Journal)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	run, err := store.GetRun(t.Context(), db, report.RunID)
	require.NoError(t, err)
	require.False(t, run.InProgress)
	require.NotNil(t, run.Failed)
	require.Equal(t, 1, *run.Failed)

	hosts, err := store.ListHosts(t.Context(), db, report.RunID)
	require.NoError(t, err)
	require.Len(t, hosts, 3)
	require.False(t, hosts[1].Success)
	require.Contains(t, hosts[1].Error, "no route to host")

	// a failed host is still in the table, with empty values
	got := rows(t, cfg.Output)
	require.Len(t, got, 3)
	require.Empty(t, got[1]["system_version"])
}

func TestRunStartupErrors(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(t *testing.T, cfg *model.Config)
		then     error
	}{
		{
			scenario: "missing hosts",
			given: func(_ *testing.T, cfg *model.Config) {
				cfg.Hosts = filepath.Join(filepath.Dir(cfg.Hosts), "nope.txt")
			},
			then: model.ErrStartup,
		},
		{
			scenario: "unwritable output",
			given: func(_ *testing.T, cfg *model.Config) {
				cfg.Output = filepath.Join(filepath.Dir(cfg.Output), "missing", "inventory.csv")
			},
			then: model.ErrStartup,
		},
		{
			scenario: "foreign table",
			given: func(t *testing.T, cfg *model.Config) {
				require.NoError(t, os.WriteFile(cfg.Output, []byte("Name,Value\r\nx,y\r\n"), 0o644))
			},
			then: model.ErrResumeParse,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t, "esxi01")
			tt.given(t, &cfg)
			r := &remote{}
			_, err := harvester(t, cfg, r).Run(t.Context())
			require.ErrorIs(t, err, tt.then)
			require.Zero(t, r.calls.Load())
		})
	}
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Collector.Concurrency = 51
	_, err := service.New(cfg, model.Credentials{}, &remote{}, &remote{})
	require.ErrorIs(t, err, model.ErrStartup)

	_, err = service.New(model.DefaultConfig(), model.Credentials{}, nil, &remote{})
	require.ErrorIs(t, err, model.ErrStartup)
}
