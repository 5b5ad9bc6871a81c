package model

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueMx  sync.Mutex // cue.Context is not safe for concurrent use
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Hosts     string    `json:"hosts" yaml:"hosts"`
	Output    string    `json:"output" yaml:"output"`
	Log       string    `json:"log" yaml:"log"`
	Journal   string    `json:"journal,omitempty" yaml:"journal,omitempty"` // empty disables the run journal
	User      string    `json:"user,omitempty" yaml:"user,omitempty"`
	Verbose   bool      `json:"verbose" yaml:"verbose"`
	Collector Collector `json:"collector" yaml:"collector"`
}

// Collector holds the settings of the collection engine.
type Collector struct {
	Concurrency          int           `json:"concurrency" yaml:"concurrency"`
	Timeout              int           `json:"timeout" yaml:"timeout"` // seconds, per shell command
	Retries              int           `json:"retries" yaml:"retries"`
	RetryDelay           string        `json:"retry_delay" yaml:"retry_delay"`
	SettleDelay          string        `json:"settle_delay" yaml:"settle_delay"`
	PreserveServiceState bool          `json:"preserve_service_state" yaml:"preserve_service_state"`
	Service              string        `json:"service" yaml:"service"`
	SSHPort              int           `json:"ssh_port" yaml:"ssh_port"`
	Insecure             bool          `json:"insecure" yaml:"insecure"`
	Commands             []CommandSpec `json:"commands,omitempty" yaml:"commands,omitempty"`
	DynamicCommand       string        `json:"dynamic_command" yaml:"dynamic_command"`
}

// Options is the plain configuration consumed by the collection engine.
type Options struct {
	Timeout              time.Duration
	Retries              int
	RetryDelay           time.Duration
	SettleDelay          time.Duration
	PreserveServiceState bool
	Service              string
	Commands             []CommandSpec
	DynamicCommand       string
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("harvester.yaml", r)
	if err != nil {
		return Config{}, err
	}
	cueMx.Lock()
	defer cueMx.Unlock()
	return decode(cueCtx.BuildFile(yamlFile))
}

// DefaultConfig returns configuration with all defaults from the schema applied.
func DefaultConfig() Config {
	cueMx.Lock()
	defer cueMx.Unlock()
	cfg, err := decode(cueCtx.CompileString("{}"))
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(value cue.Value) (Config, error) {
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Validate checks values which may have been overridden after LoadConfig,
// typically from command line flags, against the schema again.
func (c Config) Validate() error {
	cueMx.Lock()
	_, err := decode(cueCtx.Encode(c))
	cueMx.Unlock()
	if err != nil {
		details := ConfigErrDetails(err)
		msgs := make([]string, 0, len(details))
		for _, d := range details {
			msgs = append(msgs, d.String())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	seen := make(map[string]struct{}, len(c.Collector.Commands))
	for _, cmd := range c.Collector.Commands {
		if _, ok := seen[cmd.Key]; ok {
			return fmt.Errorf("duplicate command key %q", cmd.Key)
		}
		seen[cmd.Key] = struct{}{}
	}
	return nil
}

// Options converts the collector section to Options.
func (c Config) Options() (Options, error) {
	retryDelay, err := time.ParseDuration(c.Collector.RetryDelay)
	if err != nil {
		return Options{}, fmt.Errorf("parsing retry_delay: %w", err)
	}
	settleDelay, err := time.ParseDuration(c.Collector.SettleDelay)
	if err != nil {
		return Options{}, fmt.Errorf("parsing settle_delay: %w", err)
	}
	commands := c.Collector.Commands
	if len(commands) == 0 {
		commands = DefaultCommands
	}
	return Options{
		Timeout:              time.Duration(c.Collector.Timeout) * time.Second,
		Retries:              c.Collector.Retries,
		RetryDelay:           retryDelay,
		SettleDelay:          settleDelay,
		PreserveServiceState: c.Collector.PreserveServiceState,
		Service:              c.Collector.Service,
		Commands:             append([]CommandSpec(nil), commands...),
		DynamicCommand:       c.Collector.DynamicCommand,
	}, nil
}
