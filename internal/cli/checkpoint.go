package cli

import (
	"fmt"

	"github.com/ralphloop/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <task>",
	Short: "Request an out-of-band push on the named loop's next poll",
	Long: `checkpoint writes a checkpoint signal to the named task's signal
file, forcing the driver to push the worktree's branch to origin at its
next poll point regardless of --push-frequency.

Example:
  ralph checkpoint add-retry-logic`,
	Args: cobra.ExactArgs(1),
	RunE: checkpointLoop,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func checkpointLoop(cmd *cobra.Command, args []string) error {
	taskName := args[0]

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	info, ok := reg.Get(taskName)
	if !ok {
		return fmt.Errorf("no session named %q", taskName)
	}

	if err := registry.WriteSignal(info.TaskDir, registry.Signal{Kind: registry.SignalCheckpoint}); err != nil {
		return fmt.Errorf("write checkpoint signal: %w", err)
	}

	fmt.Printf("checkpoint requested for %q\n", taskName)
	return nil
}
