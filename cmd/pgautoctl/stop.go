package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

// stopCmd and reloadCmd signal an already-running `pg_autoctl run`
// process by its pidfile rather than through any RPC, the same way
// spec.md §6 names a pidfile-based find_service_pid for diagnostics.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running pg_autoctl process to shut down",
	RunE:  runStop,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running pg_autoctl process to reload its configuration",
	RunE:  runReload,
}

func init() {
	stopCmd.Flags().Bool("fast", false, "Skip the smart-shutdown grace period")
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := supervisorPID(cmd)
	if err != nil {
		return err
	}
	fast, _ := cmd.Flags().GetBool("fast")
	sig := syscall.SIGTERM
	if fast {
		sig = syscall.SIGINT
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return wrap(codeBadInternalState, fmt.Errorf("signal pid %d: %w", pid, err))
	}
	fmt.Printf("sent %s to pid %d\n", sig, pid)
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	pid, err := supervisorPID(cmd)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return wrap(codeBadInternalState, fmt.Errorf("signal pid %d: %w", pid, err))
	}
	fmt.Printf("sent SIGHUP to pid %d\n", pid)
	return nil
}

func supervisorPID(cmd *cobra.Command) (int, error) {
	pgdataAbs, err := pgdataFlag(cmd)
	if err != nil {
		return 0, err
	}
	path, err := pidfilePath(pgdataAbs)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, wrap(codeBadInternalState, fmt.Errorf("read pidfile %s (is pg_autoctl run running?): %w", path, err))
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d\n", &pid); err != nil {
		return 0, wrap(codeBadInternalState, fmt.Errorf("malformed pidfile %s: %w", path, err))
	}
	return pid, nil
}
