package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jra3/agent-mail/internal/archivelock"
	"github.com/jra3/agent-mail/internal/bmc"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/reservation"
	"github.com/jra3/agent-mail/internal/store"
)

var (
	guardStdinNUL bool
	guardAdvisory bool
	guardProject  string
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Pre-commit conflict guard",
}

var guardCheckCmd = &cobra.Command{
	Use:   "check [paths...]",
	Short: "Check staged paths against active file reservations",
	RunE:  runGuardCheck,
}

var guardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the archive lock is currently held",
	RunE:  runGuardStatus,
}

func init() {
	rootCmd.AddCommand(guardCmd)
	guardCmd.AddCommand(guardCheckCmd)
	guardCmd.AddCommand(guardStatusCmd)

	guardCheckCmd.Flags().BoolVar(&guardStdinNUL, "stdin-nul", false, "read NUL-separated paths from stdin instead of args")
	guardCheckCmd.Flags().BoolVar(&guardAdvisory, "advisory", false, "warn instead of failing when the store cannot be opened")
	guardCheckCmd.Flags().StringVar(&guardProject, "project", "", "project slug or human_key to check against")
}

// conflictReport mirrors spec ??6's check_paths JSON shape.
type conflictReport struct {
	Conflicts []conflictEntry `json:"conflicts"`
}

type conflictEntry struct {
	Path        string `json:"path"`
	OtherAgent  string `json:"other_agent"`
	Reservation string `json:"reservation"`
}

func runGuardCheck(cmd *cobra.Command, args []string) error {
	if os.Getenv("AGENT_MAIL_BYPASS") != "" {
		return nil
	}
	if guardProject == "" {
		return usageError("guard check requires --project")
	}

	paths, err := readPaths(cmd.InOrStdin(), args, guardStdinNUL)
	if err != nil {
		return usageError("read paths: %v", err)
	}
	if len(paths) == 0 {
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		if guardAdvisory {
			fmt.Fprintf(os.Stderr, "agentmail: warning: could not open store for guard check: %v\n", err)
			return nil
		}
		return failure(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	ctx := context.Background()
	projectBmc := bmc.NewProjectBmc(st)
	proj, err := projectBmc.GetByIdentifier(ctx, guardProject)
	if err != nil {
		return failure(err)
	}

	engine := reservation.New(st, cfg.ArchivePath)
	conflicts, err := engine.CheckPaths(ctx, proj.ID, ids.AgentID(0), paths)
	if err != nil {
		return failure(err)
	}

	if len(conflicts) == 0 {
		if jsonOutput {
			fmt.Fprintln(cmd.OutOrStdout(), `{"conflicts":[]}`)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
		}
		return nil
	}

	report := conflictReport{Conflicts: make([]conflictEntry, len(conflicts))}
	for i, c := range conflicts {
		agent, err := bmc.NewAgentBmc(st).Get(ctx, c.OtherAgent)
		name := fmt.Sprintf("agent-%d", int64(c.OtherAgent))
		if err == nil {
			name = agent.Name
		}
		report.Conflicts[i] = conflictEntry{Path: c.Path, OtherAgent: name, Reservation: c.UUID}
	}

	if jsonOutput {
		data, err := json.Marshal(report)
		if err != nil {
			return failure(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		for _, c := range report.Conflicts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s conflicts with reservation %s held by %s\n", c.Path, c.Reservation, c.OtherAgent)
		}
	}

	return conflictError("%d conflict(s) found", len(conflicts))
}

func readPaths(in io.Reader, args []string, stdinNUL bool) ([]string, error) {
	if !stdinNUL {
		return args, nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range strings.Split(string(data), "\x00") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func runGuardStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}

	status, err := archivelock.Inspect(cfg.ArchivePath)
	if err != nil {
		return failure(err)
	}

	if jsonOutput {
		data, err := json.Marshal(status)
		if err != nil {
			return failure(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	w := bufio.NewWriter(cmd.OutOrStdout())
	defer w.Flush()
	if !status.Held {
		fmt.Fprintln(w, "archive lock: not held")
		return nil
	}
	fmt.Fprintf(w, "archive lock: held by pid %d (agent=%q host=%q since=%s)\n", status.PID, status.Agent, status.Hostname, status.Since)
	if status.Stale {
		fmt.Fprintln(w, "warning: owner process appears dead; lock will be recovered on next acquire")
	}
	return nil
}
