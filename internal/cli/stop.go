package cli

import (
	"fmt"

	"github.com/ralphloop/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <task>",
	Short: "Request a running loop to stop",
	Long: `stop writes a stop signal to the named task's signal file. The
driver consumes it at its next poll point (before or after the current
iteration) and terminates the loop cooperatively — it does not kill the
agent mid-iteration.

Example:
  ralph stop add-retry-logic`,
	Args: cobra.ExactArgs(1),
	RunE: stopLoop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func stopLoop(cmd *cobra.Command, args []string) error {
	taskName := args[0]

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	info, ok := reg.Get(taskName)
	if !ok {
		return fmt.Errorf("no session named %q", taskName)
	}

	if err := registry.WriteSignal(info.TaskDir, registry.Signal{Kind: registry.SignalStop}); err != nil {
		return fmt.Errorf("write stop signal: %w", err)
	}

	fmt.Printf("stop requested for %q\n", taskName)
	return nil
}
