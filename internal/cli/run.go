package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ralphloop/ralph/internal/driver"
	"github.com/ralphloop/ralph/internal/github"
	"github.com/ralphloop/ralph/internal/progress"
	"github.com/ralphloop/ralph/internal/prompt"
	"github.com/ralphloop/ralph/internal/registry"
	"github.com/ralphloop/ralph/internal/task"
	"github.com/ralphloop/ralph/internal/workspace"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task_dir>",
	Short: "Run an iteration loop against a task directory in the current repo",
	Long: `run drives a coding agent through repeated iterations against the
task descriptor in task_dir (prd.json), working directly in the current
directory's git repository, until every user story passes, the iteration
budget is exhausted, or the loop is stopped.

Example:
  ralph run ./tasks/add-retry-logic --agent claude --max-iterations 40`,
	Args: cobra.ExactArgs(1),
	RunE: runLoop,
}

func init() {
	runCmd.Flags().String("agent", "", "agent kind override (claude, opencode); default resolved from the task descriptor")
	runCmd.Flags().Int("max-iterations", 50, "iteration budget before the loop terminates as exhausted")
	runCmd.Flags().Int("push-frequency", 1, "push the branch to origin every N iterations")
	runCmd.Flags().String("model", "", "model override passed through to the agent adapter")
	runCmd.Flags().Bool("permissive", false, "run the agent without interactive permission prompts")
	runCmd.Flags().Bool("push", false, "push the branch to origin using ambient git credentials")
	runCmd.Flags().String("github-app-id", "", "GitHub App ID; when set, push authenticates with a minted installation token instead of ambient git credentials")
	runCmd.Flags().Int64("github-installation-id", 0, "GitHub App installation ID (required with --github-app-id)")
	runCmd.Flags().String("github-private-key-path", "", "path to the GitHub App's PEM private key (required with --github-app-id)")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	taskDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve task dir: %w", err)
	}

	prd, err := task.Load(filepath.Join(taskDir, task.Filename))
	if err != nil {
		return fmt.Errorf("load task descriptor: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	agentOverride, _ := cmd.Flags().GetString("agent")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	pushFrequency, _ := cmd.Flags().GetInt("push-frequency")
	model, _ := cmd.Flags().GetString("model")
	permissive, _ := cmd.Flags().GetBool("permissive")
	doPush, _ := cmd.Flags().GetBool("push")
	verbose, _ := cmd.Flags().GetBool("verbose")
	githubAppID, _ := cmd.Flags().GetString("github-app-id")
	githubInstallationID, _ := cmd.Flags().GetInt64("github-installation-id")
	githubPrivateKeyPath, _ := cmd.Flags().GetString("github-private-key-path")

	defaultAgent := prd.Agent
	if !defaultAgent.Valid() {
		defaultAgent = task.AgentOpencode
	}

	taskName := filepath.Base(taskDir)

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}

	if err := reg.Register(registry.SessionInfo{
		TaskName:      taskName,
		TaskDir:       taskDir,
		PID:           os.Getpid(),
		Agent:         defaultAgent,
		Status:        "running",
		MaxIterations: maxIterations,
		SessionType:   "local",
	}); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	var push func(ctx context.Context, workDir, branch string) error
	if doPush {
		var tokens workspace.TokenSource
		if githubAppID != "" {
			privateKey, err := os.ReadFile(githubPrivateKeyPath)
			if err != nil {
				return fmt.Errorf("read github private key: %w", err)
			}
			tm, err := github.NewTokenManager(githubAppID, githubInstallationID, privateKey)
			if err != nil {
				return fmt.Errorf("create github token manager: %w", err)
			}
			tokens = tm
		}
		push = workspace.NewPush(tokens)
	}

	d := driver.New(driver.Config{
		LoopID:           taskName,
		TaskDir:          taskDir,
		WorkDir:          workDir,
		BranchName:       prd.BranchName,
		MaxIterations:    maxIterations,
		PushFrequency:    pushFrequency,
		DefaultAgent:     defaultAgent,
		CLIAgentOverride: agentOverride,
		Permissive:       permissive,
		Verbose:          verbose,
		Model:            model,
		ProgressStore:    progress.New(taskDir, prd.BranchName, "local"),
		PromptBuilder:    prompt.New(prompt.Locations{TaskDir: taskDir}),
		Push:             push,
		TaskName:         taskName,
		Registry:         reg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, stopping loop...")
		d.Stop()
	}()

	fmt.Printf("task: %s\n", taskName)
	fmt.Printf("branch: %s\n", prd.BranchName)
	fmt.Printf("agent: %s\n", defaultAgent)
	fmt.Printf("max iterations: %d\n\n", maxIterations)

	result, err := d.Run(ctx)
	if err != nil {
		return fmt.Errorf("run loop: %w", err)
	}

	fmt.Printf("\nstatus: %s\n", result.Status)
	fmt.Printf("iterations used: %d\n", result.IterationsUsed)
	if result.FinalStory != "" {
		fmt.Printf("last story touched: %s\n", result.FinalStory)
	}

	if result.Status != driver.StatusCompleted {
		cmd.SilenceUsage = true
		os.Exit(1)
	}
	return nil
}
