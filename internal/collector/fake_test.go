package collector_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/collector"
	"github.com/CZERTAINLY/Harvester/internal/model"
)

// fakeMgmt is a management plane of a single host
type fakeMgmt struct {
	mx         sync.Mutex
	connectErr []error // consumed one per Connect call
	connects   int
	missing    bool // service does not exist
	running    bool
	staysDown  bool // starting the service has no effect
	setErr     error
	sets       []bool
	disconnect int
	hangOn     string // Connect or ServiceState never answers
}

// hang blocks like a host which accepted the connection and went silent
func (f *fakeMgmt) hang(ctx context.Context, call string) error {
	if f.hangOn != call {
		return nil
	}
	f.mx.Unlock()
	defer f.mx.Lock()
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeMgmt) Connect(ctx context.Context, _ string, _ model.Credentials) (collector.MgmtSession, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connects++
	if err := f.hang(ctx, "Connect"); err != nil {
		return nil, err
	}
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *fakeMgmt) ServiceState(ctx context.Context, key string) (bool, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if err := f.hang(ctx, "ServiceState"); err != nil {
		return false, err
	}
	if f.missing {
		return false, fmt.Errorf("%w: %s", model.ErrServiceNotFound, key)
	}
	return f.running, nil
}

func (f *fakeMgmt) SetServiceState(_ context.Context, _ string, running bool) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.sets = append(f.sets, running)
	if f.setErr != nil {
		return f.setErr
	}
	if running && f.staysDown {
		return nil
	}
	f.running = running
	return nil
}

func (f *fakeMgmt) Disconnect(context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.disconnect++
	return nil
}

// fakeShell answers commands from a table, unknown commands fail
type fakeShell struct {
	mx       sync.Mutex
	openErr  []error
	opens    int
	closes   int
	outputs  map[string]collector.ExecResult
	runErr   map[string]error
	executed []string
}

func (f *fakeShell) Open(_ context.Context, _ string, _ model.Credentials, _ time.Duration) (collector.ShellSession, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.opens++
	if len(f.openErr) > 0 {
		err := f.openErr[0]
		f.openErr = f.openErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *fakeShell) Run(_ context.Context, command string, _ time.Duration) (collector.ExecResult, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.executed = append(f.executed, command)
	if err, ok := f.runErr[command]; ok {
		return collector.ExecResult{}, err
	}
	if r, ok := f.outputs[command]; ok {
		return r, nil
	}
	return collector.ExecResult{ExitStatus: 127, Stderr: "sh: " + command + ": not found"}, nil
}

func (f *fakeShell) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closes++
	return nil
}

// logSink collects log file entries
type logSink struct {
	mx      sync.Mutex
	entries []model.LogEntry
}

func (s *logSink) AppendLog(e model.LogEntry) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *logSink) count(host, level, substr string) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for _, e := range s.entries {
		if e.Host == host && (level == "" || e.Level == level) && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

const storageList = `HBA Name  Driver      Link State  UID                                   Capabilities         Description
--------  ----------  ----------  ------------------------------------  -------------------  -----------
vmhba0    vmw_ahci    link-n/a    sata.vmhba0                                                (0000:00:17.0) Intel Corporation Cannon Lake AHCI Controller
vmhba1    lpfc        link-up     fc.20000090fa8c1a2b:10000090fa8c1a2b  Second Level Lun ID  (0000:3b:00.0) Emulex Corporation LPe32002-M2
vmhba2    LPFC        link-up     fc.20000090fa8c1a2c:10000090fa8c1a2c  Second Level Lun ID  (0000:3b:00.1) Emulex Corporation LPe32002-M2
`

const nicList = `Name    PCI Device    Driver  Admin Status  Link Status  Speed  Duplex  MAC Address         MTU  Description
------  ------------  ------  ------------  -----------  -----  ------  -----------------  ----  -----------
vmnic0  0000:18:00.0  i40en   Up            Up           10000  Full    3c:fd:fe:a1:b2:c0  1500  Intel(R) Ethernet Controller X710 for 10GbE SFP+
vmnic1  0000:18:00.1  i40en   Up            Down             0  Half    3c:fd:fe:a1:b2:c1  1500  Intel(R) Ethernet Controller X710 for 10GbE SFP+
`

var commands = []model.CommandSpec{
	{Key: "system_version", Command: "esxcli system version get"},
	{Key: model.StorageAdaptersKey, Command: "esxcli storage core adapter list"},
	{Key: model.NetworkAdaptersKey, Command: "esxcli network nic list"},
}

func options() model.Options {
	return model.Options{
		Timeout:        30 * time.Second,
		Retries:        2,
		RetryDelay:     5 * time.Second,
		SettleDelay:    3 * time.Second,
		Service:        "TSM-SSH",
		Commands:       commands,
		DynamicCommand: model.DefaultDynamicCommand,
	}
}

func healthyShell() *fakeShell {
	ok := func(out string) collector.ExecResult { return collector.ExecResult{Stdout: out} }
	return &fakeShell{
		outputs: map[string]collector.ExecResult{
			"esxcli system version get":        ok("   Product: VMware ESXi\n   Version: 8.0.2\n"),
			"esxcli storage core adapter list": ok(storageList),
			"esxcli network nic list":          ok(nicList),
			"lspci -p | grep -i i40en":         ok("0000:18:00.0 8086:1572 8086:0007 11/ /     V i40en"),
			"lspci -p | grep -i lpfc":          ok("0000:3b:00.0 10df:e300 10df:e310 11/ /     V lpfc"),
			"lspci -p | grep -i vmw_ahci":      {ExitStatus: 1},
		},
		runErr: map[string]error{},
	}
}

var errRefused = errors.New("dial tcp 10.0.0.1:22: connect: connection refused")
