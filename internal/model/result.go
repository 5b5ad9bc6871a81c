package model

const (
	// HostnameColumn is the first column of the result table
	HostnameColumn = "Hostname"
	// DynamicKey is the column holding the combined output of driver specific commands
	DynamicKey = "lspci_output"
	// ErrorPrefix marks a value which holds an error instead of a command output
	ErrorPrefix = "ERROR: "
)

// HostTask is a unit of work, one per unique host from the input list.
type HostTask struct {
	Hostname string
}

// CommandSpec is a static command. Key is also the column name in the result table.
type CommandSpec struct {
	Key     string `json:"key"`
	Command string `json:"command"`
}

// DefaultCommands are executed on every host in this order.
var DefaultCommands = []CommandSpec{
	{Key: "system_version", Command: "esxcli system version get"},
	{Key: "hardware_platform", Command: "esxcli hardware platform get"},
	{Key: "cpu_global", Command: "esxcli hardware cpu global get"},
	{Key: "memory", Command: "esxcli hardware memory get"},
	{Key: "bios", Command: "smbiosDump | grep -A 5 'BIOS Info'"},
	{Key: StorageAdaptersKey, Command: "esxcli storage core adapter list"},
	{Key: NetworkAdaptersKey, Command: "esxcli network nic list"},
	{Key: "pci_devices", Command: "lspci"},
}

// Keys of static commands whose output feeds driver discovery.
const (
	StorageAdaptersKey = "storage_adapters"
	NetworkAdaptersKey = "network_adapters"
)

// DefaultDynamicCommand is formatted with a driver name.
const DefaultDynamicCommand = "lspci -p | grep -i %s"

// Header returns the result table header for given static commands.
func Header(specs []CommandSpec) []string {
	ret := make([]string, 0, len(specs)+2)
	ret = append(ret, HostnameColumn)
	for _, s := range specs {
		ret = append(ret, s.Key)
	}
	return append(ret, DynamicKey)
}

// CollectionResult is the outcome of collecting one host. Values always hold
// an entry for each configured key and the DynamicKey.
type CollectionResult struct {
	Hostname string
	Success  bool
	Values   map[string]string
	// Attempts and Err are not part of the result table
	Attempts int
	Err      error
}

// NewCollectionResult returns a failed result with all values empty.
func NewCollectionResult(hostname string, specs []CommandSpec) CollectionResult {
	values := make(map[string]string, len(specs)+1)
	for _, s := range specs {
		values[s.Key] = ""
	}
	values[DynamicKey] = ""
	return CollectionResult{
		Hostname: hostname,
		Values:   values,
	}
}

// Row returns the fields of a result in the order given by Header.
func (r CollectionResult) Row(specs []CommandSpec) []string {
	ret := make([]string, 0, len(specs)+2)
	ret = append(ret, r.Hostname)
	for _, s := range specs {
		ret = append(ret, r.Values[s.Key])
	}
	return append(ret, r.Values[DynamicKey])
}

// Credentials are obtained once and shared read only by all workers.
type Credentials struct {
	User     string
	Password string
}

// String never reveals the password
func (c Credentials) String() string {
	return c.User + ":***"
}

// Progress is a snapshot of a progress counter
type Progress struct {
	Completed int
	Total     int
}

// Percent returns completed/total in percent, 100 for an empty run
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) * 100 / float64(p.Total)
}
