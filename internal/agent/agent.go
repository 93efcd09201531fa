// Package agent defines the AgentAdapter contract shared by every AgentKind
// and the failure-classification / completion-detection logic common to all
// of them.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CompletionToken is the literal string an agent emits to assert that every
// user story now passes.
const CompletionToken = "<promise>COMPLETE</promise>"

// Config carries everything an adapter needs to start one iteration.
type Config struct {
	Prompt     string
	WorkDir    string
	Permissive bool // skip interactive permission prompts
	Verbose    bool
	Model      string // optional model identifier override

	// BaseURL is the running agent-server's address, used only by
	// HTTP-mode adapters (opencode). Process-mode adapters (claude) ignore it.
	BaseURL string
}

// IterationResult is the outcome of one agent iteration.
type IterationResult struct {
	Output       string
	ExitCode     int
	Duration     time.Duration
	Completed    bool
	Failed       bool
	ErrorMessage string
}

// Handle is an opaque reference to an in-flight iteration. Each adapter
// defines its own concrete type; callers never inspect it.
type Handle interface {
	isHandle()
}

// Adapter is the contract every AgentKind implementation satisfies.
type Adapter interface {
	// Start begins executing the agent and returns immediately with a Handle
	// to poll or wait on.
	Start(ctx context.Context, cfg Config) (Handle, error)

	// IsDone performs a non-blocking poll.
	IsDone(h Handle) bool

	// GetOutput waits for termination, parses the result, and returns it.
	GetOutput(ctx context.Context, h Handle) (*IterationResult, error)

	// Run is the convenience start+poll+wait path. Total wall-clock is
	// recorded as Duration.
	Run(ctx context.Context, cfg Config) (*IterationResult, error)
}

// failurePatterns are matched case-insensitively against combined output.
// Any hit classifies the iteration as failed regardless of exit code.
var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api error`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)authentication failed`),
	regexp.MustCompile(`(?i)connection refused`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`\b503\b`),
	regexp.MustCompile(`\b502\b`),
	regexp.MustCompile(`\b429\b`),
	regexp.MustCompile(`(?i)overloaded`),
}

// ClassifyFailure applies the shared failure-classification rules:
//  1. non-zero exit code => failed
//  2. empty (whitespace-only) output => failed
//  3. any failure pattern present in output => failed
func ClassifyFailure(output string, exitCode int) bool {
	if exitCode != 0 {
		return true
	}
	if strings.TrimSpace(output) == "" {
		return true
	}
	for _, p := range failurePatterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

// IsComplete reports whether the completion token appears anywhere in output.
func IsComplete(output string) bool {
	return strings.Contains(output, CompletionToken)
}

var errorLinePattern = regexp.MustCompile(`(?i)error|failed|timeout|refused`)

const maxErrorMessageLen = 100

func truncate(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	return s[:maxErrorMessageLen]
}

// ExtractErrorMessage implements the shared error-message extraction rule:
// on nonzero exit with nonempty stderr, the last stderr line prefixed with
// "Exit code N:"; otherwise the first output line matching the error
// pattern; otherwise "Unknown error". All results are truncated to 100
// characters.
func ExtractErrorMessage(exitCode int, stdout, stderr string) string {
	if exitCode != 0 {
		trimmed := strings.TrimRight(stderr, "\n")
		if trimmed != "" {
			lines := strings.Split(trimmed, "\n")
			last := lines[len(lines)-1]
			return truncate(fmt.Sprintf("Exit code %d: %s", exitCode, last))
		}
	}

	for _, line := range strings.Split(stdout, "\n") {
		if errorLinePattern.MatchString(line) {
			return truncate(strings.TrimSpace(line))
		}
	}

	return "Unknown error"
}
