package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"valmon/internal/config"
	"valmon/internal/daemon"
	"valmon/internal/job"
	"valmon/internal/joblog"
	"valmon/internal/lockfile"
	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

var (
	flagConfigPath string
	flagVerbose    bool

	flagSequential bool
	flagParallel   bool
	flagThreads    int
	flagStatus     bool
	flagStop       bool

	cfgMgr *config.Manager
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file (default valmon.yaml next to the data dir)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentPreRunE = initValmon
	rootCmd.SilenceErrors = true

	runCmd.Flags().BoolVar(&flagSequential, "sequential", false, "run the requested jobs one after another (default)")
	runCmd.Flags().BoolVar(&flagParallel, "parallel", false, "run the requested jobs concurrently")
	runCmd.Flags().IntVar(&flagThreads, "threads", 0, "override scan worker count")
	runCmd.Flags().BoolVar(&flagStatus, "status", false, "show lock holders instead of running")
	runCmd.Flags().BoolVar(&flagStop, "stop", false, "signal live holders to stop instead of running")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var failed failedJobsError
		if errors.As(err, &failed) {
			// Summary was already printed; the count is the exit code.
			os.Exit(int(failed))
		}
		if !log.IsZero() {
			log.Error("valmon failed", logx.Err(err))
		} else {
			fmt.Fprintln(os.Stderr, "valmon:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "valmon",
	Short:        "Solana validator fleet monitor: snapshot collection and port sweeps",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <job|all>",
	Short: "run one job or every job, with per-job locking and timeouts",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "list lock markers and whether their holders are alive",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return doStatus() },
}

var stopCmd = &cobra.Command{
	Use:   "stop [job]",
	Short: "signal live job holders to stop",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return doStop(name)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run scheduled jobs until stopped, reloading config on edit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return daemon.New(cfgMgr, logSvc, log).Run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("valmon: version info not available")
			return
		}
		fmt.Printf("valmon: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Printf("commit: %s\n", s.Value)
			}
		}
	},
}

func initValmon(cmd *cobra.Command, _ []string) error {
	base := os.Getenv("VALMON_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".valmon")
		} else {
			base = "."
		}
	}
	path := flagConfigPath
	if path == "" {
		path = filepath.Join(base, "valmon.yaml")
	}

	cfgMgr = config.NewManager(path, base)
	var err error
	if cfg, err = cfgMgr.Load(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}

	logSvc, log = logx.New(logx.Config{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
	cfgMgr.SetLogger(log)
	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	if flagStatus && flagStop {
		return errors.New("--status and --stop are mutually exclusive")
	}
	if flagStatus {
		return doStatus()
	}
	if flagStop {
		name := ""
		if args[0] != "all" {
			name = args[0]
		}
		return doStop(name)
	}
	if flagSequential && flagParallel {
		return errors.New("--sequential and --parallel are mutually exclusive")
	}
	if flagThreads > 0 {
		cfg.Scan.Workers = flagThreads
	}

	scfg, err := storeConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(scfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	reg, err := job.NewRegistry(cfg, store)
	if err != nil {
		return err
	}
	var jobs []*job.Job
	if args[0] == "all" {
		jobs = reg.All()
	} else {
		j, ok := reg.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown job %q (have: %v)", args[0], reg.Names())
		}
		jobs = []*job.Job{j}
	}

	runner := &job.Runner{
		RuntimeDir: cfg.RuntimeDir,
		Store:      store,
		Logs:       joblog.NewManager(cfg.LogDir, cfg.Logging.Level, cfg.Logging.Console, cfg.Logging.Keep),
		LockOpts:   lockfile.Options{Log: log},
		Log:        log,
	}
	set := &job.Set{Runner: runner, Jobs: jobs}
	sum := set.Run(cmd.Context(), flagParallel)

	printSummary(sum)
	if n := sum.FailedCount(); n > 0 {
		// Deferred cleanup (store close, log flush) must still run; main
		// translates this into the process exit code.
		return failedJobsError(n)
	}
	return nil
}

// failedJobsError carries the failed-job count out of the command so it can
// become the exit code after deferred cleanup has run.
type failedJobsError int

func (e failedJobsError) Error() string {
	return fmt.Sprintf("%d job(s) failed", int(e))
}

func printSummary(sum *job.Summary) {
	fmt.Println()
	var ok, failed []string
	for _, r := range sum.Reports {
		line := fmt.Sprintf("%-14s %-10s %8s", r.Job, r.Status, r.Elapsed().Truncate(time.Millisecond))
		if r.Detail != "" {
			line += "  " + r.Detail
		}
		if r.Err != nil {
			line += fmt.Sprintf("  (%v)", r.Err)
		}
		fmt.Println(line)
		if r.Failed() {
			failed = append(failed, r.Job)
		} else if r.Status == job.StatusSucceeded {
			ok = append(ok, r.Job)
		}
	}
	fmt.Printf("\nsucceeded: %s\nfailed:    %s\n", nameList(ok), nameList(failed))
}

func nameList(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func doStatus() error {
	infos, err := lockfile.Inspect(cfg.RuntimeDir, 0)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no jobs running")
		return nil
	}
	for _, in := range infos {
		state := "stale"
		if in.Live {
			state = "running"
		}
		fmt.Printf("%-14s %-8s pid %-7d host %-20s since %s (heartbeat %s)\n",
			in.Marker.Job, state, in.Marker.PID, in.Marker.Hostname,
			in.Marker.Acquired.Format(time.RFC3339),
			in.Marker.Heartbeat.Format(time.RFC3339))
	}
	return nil
}

// doStop sends SIGTERM to live same-host holders; remote holders can only be
// reported, not signaled.
func doStop(name string) error {
	infos, err := lockfile.Inspect(cfg.RuntimeDir, 0)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	stopped := 0
	for _, in := range infos {
		if name != "" && in.Marker.Job != name {
			continue
		}
		if !in.Live {
			continue
		}
		if in.Marker.Hostname != host {
			log.Warn("holder is on another host; not signaling",
				logx.String("job", in.Marker.Job),
				logx.String("host", in.Marker.Hostname))
			continue
		}
		if err := syscall.Kill(in.Marker.PID, syscall.SIGTERM); err != nil {
			log.Warn("signal holder", logx.String("job", in.Marker.Job), logx.Err(err))
			continue
		}
		fmt.Printf("sent SIGTERM to %s (pid %d)\n", in.Marker.Job, in.Marker.PID)
		stopped++
	}
	if stopped == 0 {
		fmt.Println("nothing to stop")
	}
	return nil
}

func storeConfig(c *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}
