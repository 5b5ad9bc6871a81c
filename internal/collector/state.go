package collector

// State of a collection attempt
type State int

const (
	Pending State = iota
	Connecting
	ServiceCheck
	ServiceEnable
	ShellOpen
	StaticCommands
	DriverDiscovery
	DynamicCommands
	Cleanup
	Succeeded
	Failed
)

var stateNames = [...]string{
	Pending:         "Pending",
	Connecting:      "Connecting",
	ServiceCheck:    "ServiceCheck",
	ServiceEnable:   "ServiceEnable",
	ShellOpen:       "ShellOpen",
	StaticCommands:  "StaticCommands",
	DriverDiscovery: "DriverDiscovery",
	DynamicCommands: "DynamicCommands",
	Cleanup:         "Cleanup",
	Succeeded:       "Succeeded",
	Failed:          "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(?)"
	}
	return stateNames[s]
}
