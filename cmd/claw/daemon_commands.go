package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clawd/internal/daemonctl"
)

const (
	daemonBinary     = "clawd"
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 5 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the clawd daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := startDaemon(ctx, startLogLevel)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Log level for a newly launched daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the clawd daemon (terminates the process)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			printStopResult(cmd, result)
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the clawd daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stopResult, err := daemonctl.StopAndTerminate(ctx.configValue(), stopGracePeriod)
			switch {
			case errors.Is(err, daemonctl.ErrDaemonNotRunning):
			case err != nil:
				return err
			default:
				printStopResult(cmd, stopResult)
			}
			result, err := startDaemon(ctx, restartLogLevel)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Log level for the relaunched daemon")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, dispatcher, component, and poller status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(ctx.configValue())
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, snap)
			}
			renderStatus(cmd.OutOrStdout(), snap, shouldColorize(cmd.OutOrStdout()), time.Now())
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func startDaemon(ctx *commandContext, logLevel string) (daemonctl.StartResult, error) {
	// A reachable daemon needs no executable, so resolution errors only
	// matter when a launch was attempted.
	exe, exeErr := daemonExecutable()
	result, err := daemonctl.EnsureStarted(
		ctx.socketPath(),
		exe,
		daemonctl.LaunchOptions{
			ConfigPath: ctx.configPath(),
			LogLevel:   strings.TrimSpace(logLevel),
		},
		startWaitTimeout,
	)
	if err != nil && exeErr != nil {
		return result, errors.Join(exeErr, err)
	}
	return result, err
}

func printStartResult(cmd *cobra.Command, result daemonctl.StartResult) {
	stdout := cmd.OutOrStdout()
	if result.Launched {
		fmt.Fprintln(stdout, "Daemon not running, launching...")
	}
	switch result.State {
	case daemonctl.StartStateStarted:
		fmt.Fprintln(stdout, "Daemon started")
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintln(stdout, "Daemon already running")
	case daemonctl.StartStateRequested:
		if strings.TrimSpace(result.Message) != "" {
			fmt.Fprintln(stdout, result.Message)
			return
		}
		fmt.Fprintln(stdout, "Start request sent")
	}
}

func printStopResult(cmd *cobra.Command, result daemonctl.StopResult) {
	stdout := cmd.OutOrStdout()
	if !result.StopAcknowledged {
		fmt.Fprintln(stdout, "Stop request sent")
	} else {
		fmt.Fprintln(stdout, "Stopping daemon runtime...")
	}
	if result.ForcedKill && result.PID > 0 {
		fmt.Fprintf(stdout, "Killed daemon process (pid %d) after %s\n", result.PID, stopGracePeriod)
	}
	fmt.Fprintln(stdout, "Daemon stopped")
}

// daemonExecutable prefers a clawd binary installed next to claw and falls
// back to PATH.
func daemonExecutable() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), daemonBinary)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(daemonBinary)
	if err != nil {
		return "", fmt.Errorf("resolve %s executable: %w", daemonBinary, err)
	}
	return path, nil
}
