package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jra3/agent-mail/internal/archive"
	"github.com/jra3/agent-mail/internal/auditsync"
	"github.com/jra3/agent-mail/internal/store"
)

// serviceForeground is a hidden flag a background-spawned child passes to
// itself so the re-exec doesn't try to daemonize a second time.
var serviceForeground bool
var serviceBackground bool

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run or control the audit-sync background worker",
	Long: `service manages the long-running half of the substrate: the Audit
Sync worker that drains the commit queue and periodically reconciles the
Git-backed archive against the relational store. It holds no RPC listener
of its own; every mutation still goes through direct store access or the
CLI's other verbs.`,
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the audit-sync worker",
	RunE:  runServiceStart,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running audit-sync worker",
	RunE:  runServiceStop,
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the audit-sync worker is running",
	RunE:  runServiceStatus,
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the audit-sync worker",
	RunE:  runServiceRestart,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceStartCmd, serviceStopCmd, serviceStatusCmd, serviceRestartCmd)

	serviceStartCmd.Flags().BoolVar(&serviceBackground, "background", false, "detach and run as a background process")
	serviceStartCmd.Flags().BoolVar(&serviceForeground, "foreground", false, "")
	serviceStartCmd.Flags().MarkHidden("foreground")
}

type serviceStatusReport struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

func servicePidPath(archivePath string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(archivePath)), ".agentmail.pid")
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}
	pidPath := servicePidPath(cfg.ArchivePath)

	// A background-spawned child finds its own pid, written by its parent.
	if running, pid := processAlive(pidPath); running && pid != os.Getpid() {
		return conflictError("service already running (pid %d)", pid)
	}

	if serviceBackground && !serviceForeground {
		exe, err := os.Executable()
		if err != nil {
			return failure(err)
		}
		childArgs := append([]string{}, os.Args[1:]...)
		if cmd.Name() == "restart" {
			// --foreground is a flag of start only.
			for i, a := range childArgs {
				if a == "restart" {
					childArgs[i] = "start"
					break
				}
			}
		}
		childArgs = append(childArgs, "--foreground")
		child := exec.Command(exe, childArgs...)
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		logPath := filepath.Join(filepath.Dir(filepath.Clean(cfg.ArchivePath)), "agentmail-service.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return failure(err)
		}
		child.Stdout = logFile
		child.Stderr = logFile
		if err := child.Start(); err != nil {
			return failure(fmt.Errorf("spawn background service: %w", err))
		}
		if err := writePidFile(pidPath, child.Process.Pid); err != nil {
			return failure(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "service started in background (pid %d)\n", child.Process.Pid)
		return nil
	}

	if err := writePidFile(pidPath, os.Getpid()); err != nil {
		return failure(err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return failure(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	ar, err := archive.OpenOrInit(cfg.ArchivePath)
	if err != nil {
		return failure(fmt.Errorf("open archive: %w", err))
	}

	syncCfg := auditsync.DefaultConfig()
	syncCfg.LockTimeout = cfg.ArchiveLockTimeout
	worker := auditsync.NewWorker(st, ar, syncCfg)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	log.Printf("agentmail service started (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("agentmail service shutting down")
	cancel()
	worker.Stop()
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}
	pidPath := servicePidPath(cfg.ArchivePath)

	running, pid := processAlive(pidPath)
	if !running {
		os.Remove(pidPath)
		return failure(fmt.Errorf("service is not running"))
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return failure(err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return failure(fmt.Errorf("signal pid %d: %w", pid, err))
	}

	for i := 0; i < 50; i++ {
		if running, _ := processAlive(pidPath); !running {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	os.Remove(pidPath)
	fmt.Fprintf(cmd.OutOrStdout(), "service stopped (pid %d)\n", pid)
	return nil
}

func runServiceRestart(cmd *cobra.Command, args []string) error {
	if err := runServiceStop(cmd, args); err != nil {
		if ce, ok := err.(*cliError); !ok || ce.code != 1 {
			return err
		}
	}
	serviceBackground = true
	return runServiceStart(cmd, args)
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}
	pidPath := servicePidPath(cfg.ArchivePath)
	running, pid := processAlive(pidPath)

	if jsonOutput {
		report := serviceStatusReport{Running: running}
		if running {
			report.PID = pid
		}
		data, err := json.Marshal(report)
		if err != nil {
			return failure(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if !running {
		fmt.Fprintln(cmd.OutOrStdout(), "service: not running")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "service: running (pid %d)\n", pid)
	return nil
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func processAlive(pidPath string) (bool, int) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}
