package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qmove/internal/app"
	"qmove/internal/config"
	"qmove/internal/qmove"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A .env next to the binary's working directory may set QMOVE_* defaults.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a QMoveApp. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "move", "worker").
func newApp(command string) (*app.QMoveApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewQMoveApp(cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "qmove",
	Short:        "Move data across project quota boundaries",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and the task database",
	RunE: func(cmd *cobra.Command, args []string) error {
		control, _ := cmd.Flags().GetString("control")
		mount, _ := cmd.Flags().GetString("mount")

		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Create config with defaults
		cfg := config.NewConfig(defaults["worker_id"], defaults["base_dir"])
		cfg.Control.Type = control
		cfg.Control.Mount = mount

		// Initialize config file
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.InitDatabase(cfg); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Worker ID: %s\n", cfg.WorkerID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Read config
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		// Display config
		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Worker ID:  %s\n", cfg.WorkerID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Control:    %s\n", cfg.Control.Type)
		fmt.Printf("Queue:      %s\n", cfg.Queue.Type)
		fmt.Printf("Margin:     %d%%\n", cfg.Move.CapacityMarginPercent)
		fmt.Printf("Tolerance:  %d blocks\n", cfg.Move.BlockTolerance)
		for _, b := range cfg.Boundaries {
			fmt.Printf("Boundary:   %s  %s\n", b.ID, b.Root)
		}
		return nil
	},
}

// move command
var moveCmd = &cobra.Command{
	Use:   "move SOURCE DEST_PARENT",
	Short: "Move SOURCE into DEST_PARENT, which belongs to another boundary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		boundary, _ := cmd.Flags().GetString("boundary")
		wait, _ := cmd.Flags().GetBool("wait")

		a, err := newApp("move")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		op, err := a.Move(ctx, args[0], args[1], boundary)
		if err != nil {
			return err
		}
		if wait && !op.State.Terminal() {
			op, err = a.Wait(ctx, op.ID, app.DefaultPollInterval, nil)
			if err != nil {
				return err
			}
		}

		printOperation(os.Stdout, op)
		if op.State == qmove.StateFailed {
			return errors.New("move failed")
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show the state of a move",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		a, err := newApp("status")
		if err != nil {
			return err
		}
		defer a.Close()

		if !watch {
			op, err := a.Status(args[0])
			if err != nil {
				return err
			}
			printOperation(os.Stdout, op)
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		p := newProgressPrinter(os.Stdout)
		op, err := a.Wait(ctx, args[0], app.DefaultPollInterval, p.Update)
		p.Done()
		if err != nil {
			return err
		}
		printOperation(os.Stdout, op)
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent moves",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		active, _ := cmd.Flags().GetBool("active")

		a, err := newApp("list")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.List(limit, active)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No moves recorded.")
			return nil
		}

		for _, op := range ops {
			fmt.Println(operationLine(op))
		}
		return nil
	},
}

// cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Request cancellation of a move",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cancel")
		if err != nil {
			return err
		}
		defer a.Close()

		op, err := a.Cancel(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Cancel requested for %s (%s)\n", op.ID, op.State)
		return nil
	},
}

// locks command
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List held source locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("locks")
		if err != nil {
			return err
		}
		defer a.Close()

		locks, err := a.Locks()
		if err != nil {
			return err
		}

		if len(locks) == 0 {
			fmt.Println("No locks held.")
			return nil
		}

		for _, l := range locks {
			fmt.Printf("%s  %s  %s\n", l.TaskID, l.AcquiredAt.Local().Format("2006-01-02 15:04:05"), l.Path)
		}
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finish moves whose worker stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp("recover")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		ops, err := a.Recover(ctx, olderThan)
		if err != nil {
			return err
		}

		fmt.Printf("Recovered %d move(s)\n", len(ops))
		for _, op := range ops {
			fmt.Println(operationLine(op))
		}
		return nil
	},
}

// janitor command
var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Reclaim staging artifacts, stale locks and leftover sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		a, err := newApp("janitor")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		if !once {
			return a.RunJanitor(ctx)
		}

		report, err := a.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d artifact(s), kept %d, released %d lock(s), removed %d source(s), kept %d replaced source(s), %d failure(s)\n",
			len(report.ArtifactsRemoved), report.ArtifactsKept, report.LocksReleased,
			report.SourcesRemoved, report.SourcesKept, report.Failures)
		for _, p := range report.ArtifactsRemoved {
			fmt.Printf("  %s\n", p)
		}
		return nil
	},
}

// worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run moves, the janitor and the status API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("worker")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		return a.RunWorker(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("control", "lustre", "Boundary control plane (lustre or xattr)")
	configInitCmd.Flags().String("mount", "", "Lustre mount point")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(moveCmd)
	moveCmd.Flags().StringP("boundary", "b", "", "Destination boundary (project ID)")
	moveCmd.MarkFlagRequired("boundary")
	moveCmd.Flags().BoolP("wait", "w", false, "Wait until the move finishes")
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("watch", "w", false, "Follow progress until the move finishes")
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntP("limit", "n", 50, "Maximum number of moves to show")
	listCmd.Flags().BoolP("active", "a", false, "Only show unfinished moves")
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().Duration("older-than", 10*time.Minute, "Only recover moves idle for at least this long")
	rootCmd.AddCommand(janitorCmd)
	janitorCmd.Flags().Bool("once", false, "Run a single sweep and exit")
	rootCmd.AddCommand(workerCmd)
}
