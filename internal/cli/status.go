package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/ralphloop/ralph/internal/procutil"
	"github.com/ralphloop/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task]",
	Short: "Show the status of local-mode ralph sessions",
	Long: `Without arguments, lists every session known to the local
SessionRegistry. With a task name, shows that session in detail.

Examples:
  ralph status
  ralph status add-retry-logic`,
	Args: cobra.MaximumNArgs(1),
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func liveCheck(info registry.SessionInfo) bool {
	return procutil.IsAlive(info.PID)
}

func showStatus(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}

	if len(args) == 1 {
		info, ok := reg.Get(args[0])
		if !ok {
			return fmt.Errorf("no session named %q", args[0])
		}
		if info.Status == "running" && !liveCheck(info) {
			info.Status = "failed"
		}
		printSessionDetail(info)
		return nil
	}

	_ = reg.ListRunning(liveCheck) // demotes dead "running" rows to "failed"
	sessions := reg.ListAll()
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-28s %-10s %-10s %-10s %s\n", "TASK", "STATUS", "AGENT", "ITERATION", "UPDATED")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range sessions {
		iter := fmt.Sprintf("%d/%d", s.Iteration, s.MaxIterations)
		fmt.Printf("%-28s %-10s %-10s %-10s %s\n",
			s.TaskName, s.Status, s.Agent, iter, s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func printSessionDetail(info registry.SessionInfo) {
	fmt.Printf("Task:          %s\n", info.TaskName)
	fmt.Printf("Task dir:      %s\n", info.TaskDir)
	fmt.Printf("Status:        %s\n", info.Status)
	fmt.Printf("Agent:         %s\n", info.Agent)
	fmt.Printf("PID:           %d\n", info.PID)
	fmt.Printf("Iteration:     %d/%d\n", info.Iteration, info.MaxIterations)
	if info.CurrentStory != "" {
		fmt.Printf("Current story: %s\n", info.CurrentStory)
	}
	fmt.Printf("Started:       %s\n", info.StartedAt.Format(time.RFC3339))
	fmt.Printf("Updated:       %s\n", info.UpdatedAt.Format(time.RFC3339))
}
