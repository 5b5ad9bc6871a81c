package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Harvester/internal/esxi"
	"github.com/CZERTAINLY/Harvester/internal/log"
	"github.com/CZERTAINLY/Harvester/internal/model"
	"github.com/CZERTAINLY/Harvester/internal/service"
	"github.com/CZERTAINLY/Harvester/internal/sshshell"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "harvester.yaml"

var (
	userConfigPath string // /default/config/path/harvester on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flags              runFlags
)

// runFlags override values of the config file when set
type runFlags struct {
	hosts       string
	output      string
	log         string
	journal     string
	user        string
	concurrency int
	timeout     int
	retries     int
	preserve    bool
}

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "harvester")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	f := runCmd.Flags()
	f.StringVar(&flags.hosts, "hosts", "", "file with one host per line")
	f.StringVar(&flags.output, "output", "", "result table (CSV), an existing one is resumed")
	f.StringVar(&flags.log, "log", "", "log file")
	f.StringVar(&flags.journal, "journal", "", "sqlite run journal, disabled when empty")
	f.StringVar(&flags.user, "user", "", "user name on the hosts (default root)")
	f.IntVar(&flags.concurrency, "concurrency", 0, "hosts collected at once (1-50)")
	f.IntVar(&flags.timeout, "timeout", 0, "timeout of a shell command in seconds (5-300)")
	f.IntVar(&flags.retries, "retries", 0, "connection retries per host (0-10)")
	f.BoolVar(&flags.preserve, "preserve-service-state", false, "leave the SSH service running on hosts where it was running")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initHarvester

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("harvester failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "harvester",
	Short:        "Tool collecting hardware inventory of ESXi hosts",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command collects inventory of all hosts not yet present in the result table",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a harvester",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("harvester: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("harvester: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("harvester",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	creds, err := credentials(config.User)
	if err != nil {
		return err
	}

	h, err := service.New(
		config,
		creds,
		esxi.New(config.Collector.Insecure),
		sshshell.New(config.Collector.SSHPort),
	)
	if err != nil {
		return err
	}

	report, err := h.Run(ctx)
	switch {
	case errors.Is(err, model.ErrNothingToDo):
		fmt.Printf("%s: nothing to do\n", config.Output)
		return nil
	case err != nil:
		return err
	}
	fmt.Printf("run %s: %s, output %s\n", report.RunID, report.Summary, config.Output)
	return nil
}

func initHarvester(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("HARVESTERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	applyFlags(cmd)

	// console only, the log file is set up by the run itself
	slog.SetDefault(log.New(config.Verbose, nil))

	slog.Debug("harvester run", "configPath", configPath)
	slog.Debug("harvester run", "config", config)
	return config.Validate()
}

func applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if fl := f.Lookup(name); fl != nil && fl.Changed {
			apply()
		}
	}
	set("hosts", func() { config.Hosts = flags.hosts })
	set("output", func() { config.Output = flags.output })
	set("log", func() { config.Log = flags.log })
	set("journal", func() { config.Journal = flags.journal })
	set("user", func() { config.User = flags.user })
	set("concurrency", func() { config.Collector.Concurrency = flags.concurrency })
	set("timeout", func() { config.Collector.Timeout = flags.timeout })
	set("retries", func() { config.Collector.Retries = flags.retries })
	set("preserve-service-state", func() { config.Collector.PreserveServiceState = flags.preserve })
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
