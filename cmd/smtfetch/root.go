package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/smtfetch/emu"
	"github.com/sarchlab/smtfetch/loader"
	"github.com/sarchlab/smtfetch/timing/config"
	"github.com/sarchlab/smtfetch/timing/core"
	"github.com/sarchlab/smtfetch/timing/fetch"
)

type options struct {
	configPath      string
	saveConfig      string
	threads         int
	fetchingThreads int
	policy          string
	fetchWidth      int
	maxCycles       uint64
	fullSystem      bool
	strict          bool
	verbose         bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "smtfetch [flags] program.elf...",
		Short: "Simulate the fetch stage of an SMT core.",
		Long: `smtfetch loads one or more AArch64 ELF programs, runs them on ` +
			`the hardware threads of a simulated core, and prints fetch ` +
			`statistics. Thread i runs program i modulo the number of ` +
			`programs. With more than one thread and no policy given, ` +
			`threads share fetch round-robin.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "",
		"JSON core configuration file")
	f.StringVar(&opts.saveConfig, "save-config", "",
		"write the effective configuration to this file")
	f.IntVarP(&opts.threads, "threads", "t", 1,
		"number of hardware threads")
	f.IntVar(&opts.fetchingThreads, "fetching-threads", 1,
		"threads that may fetch in one cycle")
	f.StringVarP(&opts.policy, "policy", "p", "SingleThread",
		"SMT fetch policy: SingleThread, RoundRobin, Branch, IQ or LSQ")
	f.IntVarP(&opts.fetchWidth, "fetch-width", "w", 8,
		"instructions fetched per cycle")
	f.Uint64Var(&opts.maxCycles, "max-cycles", 1_000_000,
		"stop after this many cycles, 0 for no limit")
	f.BoolVar(&opts.fullSystem, "full-system", true,
		"take fetch faults as traps instead of stopping")
	f.BoolVar(&opts.strict, "strict", false,
		"panic on inter-stage protocol violations")
	f.BoolVarP(&opts.verbose, "verbose", "v", false,
		"log every fetch event")

	return cmd
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// buildConfig loads the configuration file, if any, and applies the flags
// the user set on top of it.
func buildConfig(
	cmd *cobra.Command,
	opts *options,
	numPrograms int,
) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()

	if flags.Changed("threads") {
		cfg.NumThreads = opts.threads
	} else if numPrograms > cfg.NumThreads {
		cfg.NumThreads = numPrograms
	}

	if flags.Changed("fetching-threads") {
		cfg.NumFetchingThreads = opts.fetchingThreads
	}

	if flags.Changed("policy") {
		cfg.SMTFetchPolicy = opts.policy
	} else if cfg.NumThreads > 1 &&
		strings.EqualFold(cfg.SMTFetchPolicy, fetch.SingleThread.String()) {
		cfg.SMTFetchPolicy = fetch.RoundRobin.String()
	}

	if flags.Changed("fetch-width") {
		cfg.FetchWidth = opts.fetchWidth
		cfg.FetchQueueSize = max(cfg.FetchQueueSize, 2*opts.fetchWidth)
	}

	if flags.Changed("full-system") {
		cfg.FullSystem = opts.fullSystem
	}

	if flags.Changed("strict") {
		cfg.StrictChecks = opts.strict
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadPrograms(paths []string) ([]*loader.Program, error) {
	programs := make([]*loader.Program, 0, len(paths))

	for _, path := range paths {
		prog, err := loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		programs = append(programs, prog)
	}

	return programs, nil
}

func run(cmd *cobra.Command, opts *options, args []string) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.verbose)

	cfg, err := buildConfig(cmd, opts, len(args))
	if err != nil {
		return err
	}

	if opts.saveConfig != "" {
		if err := cfg.SaveConfig(opts.saveConfig); err != nil {
			return err
		}
	}

	programs, err := loadPrograms(args)
	if err != nil {
		return err
	}

	c, err := core.New("Core", sim.NewSerialEngine(), cfg, emu.NewMemory(),
		core.WithLogger(logger),
		core.WithMaxCycles(opts.maxCycles),
	)
	if err != nil {
		return err
	}

	for tid := range cfg.NumThreads {
		prog := programs[tid%len(programs)]

		if err := prog.Install(fetch.ThreadID(tid), c.MMU(), c.Memory()); err != nil {
			return err
		}

		c.StartThread(fetch.ThreadID(tid), prog.EntryPoint)
	}

	atexit.Register(func() {
		report(cmd.OutOrStdout(), c)
	})

	logger.Info("simulation started",
		"threads", cfg.NumThreads,
		"policy", cfg.SMTFetchPolicy,
		"fetch_width", cfg.FetchWidth)

	return c.Run()
}
