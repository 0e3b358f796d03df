package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const pidFileName = "towdyouso.pid"

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// daemonProcess returns the running server named by the PID file. Signal 0
// checks that the process still exists.
func daemonProcess() (*os.Process, error) {
	cfg := loadConfig()
	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no running server (PID file not found)")
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running server (process %d not found)", pid)
	}
	return proc, nil
}

func signalCommand(use, short string, sig syscall.Signal, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := daemonProcess()
			if err != nil {
				return err
			}
			if err := proc.Signal(sig); err != nil {
				return fmt.Errorf("send %s: %w", sig, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to server (PID %d)%s.\n", sig, proc.Pid, verb)
			return nil
		},
	}
}

var (
	stopCmd    = signalCommand("stop", "Stop the running server", syscall.SIGTERM, "")
	restartCmd = signalCommand("restart", "Restart the running server", syscall.SIGHUP, " for restart")
)
