// Package prompt assembles the per-iteration agent prompt from a template
// file plus iteration context, following a fixed template-precedence order.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ralphloop/ralph/internal/task"
)

//go:embed fallback.md
var builtinFallback string

// TemplateFilename is the name of a prompt template file at every precedence
// location except the built-in fallback.
const TemplateFilename = "prompt.md"

// AgentsFilename is the name of the optional project-context file inserted
// verbatim as a "Project Context" section.
const AgentsFilename = "AGENTS.md"

// Locations describes where a PromptBuilder looks for a template, in
// precedence order. The first hit wins; later hits are ignored.
type Locations struct {
	TaskDir       string // (1) highest precedence
	UserConfigDir string // (2)
	ProjectRoot   string // (3)
	SystemDir     string // (4)
	// (5) built-in minimal fallback, always available
}

// Context carries the values substituted into {NAME} placeholders.
type Context struct {
	TaskDir      string
	PRDFile      string
	ProgressFile string
	BranchName   string
	Agent        task.AgentKind
}

var placeholderPattern = regexp.MustCompile(`\{[A-Z][A-Z0-9_]*\}`)

// Builder locates, substitutes, and assembles the final prompt.
type Builder struct {
	Locations Locations
}

// New creates a Builder rooted at the given precedence locations.
func New(loc Locations) *Builder {
	return &Builder{Locations: loc}
}

// locateTemplate returns the first template found in precedence order, or
// the built-in fallback if none of the configured locations has one.
func (b *Builder) locateTemplate() (string, error) {
	candidates := []string{}
	if b.Locations.TaskDir != "" {
		candidates = append(candidates, filepath.Join(b.Locations.TaskDir, TemplateFilename))
	}
	if b.Locations.UserConfigDir != "" {
		candidates = append(candidates, filepath.Join(b.Locations.UserConfigDir, TemplateFilename))
	}
	if b.Locations.ProjectRoot != "" {
		candidates = append(candidates, filepath.Join(b.Locations.ProjectRoot, TemplateFilename))
	}
	if b.Locations.SystemDir != "" {
		candidates = append(candidates, filepath.Join(b.Locations.SystemDir, TemplateFilename))
	}

	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read prompt template %s: %w", c, err)
		}
	}
	return builtinFallback, nil
}

// substituteVariables replaces recognized {NAME} placeholders with values
// from ctx. Unknown placeholders are left verbatim, byte for byte.
func substituteVariables(tmpl string, ctx Context) string {
	values := map[string]string{
		"TASK_DIR":      ctx.TaskDir,
		"PRD_FILE":      ctx.PRDFile,
		"PROGRESS_FILE": ctx.ProgressFile,
		"BRANCH_NAME":   ctx.BranchName,
		"AGENT":         string(ctx.Agent),
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}

var agentBlockPattern = regexp.MustCompile(`(?s)<!-- agent:(\w+) -->(.*?)<!-- /agent:(\w+) -->`)

// applyAgentBlocks strips conditional agent blocks. For a block tagged X: if
// current == X, the markers are stripped and the inner content kept;
// otherwise the entire block is removed. Blocks do not nest, so a single
// non-greedy regex pass is sufficient.
func applyAgentBlocks(tmpl string, current task.AgentKind) string {
	return agentBlockPattern.ReplaceAllStringFunc(tmpl, func(block string) string {
		m := agentBlockPattern.FindStringSubmatch(block)
		openTag, inner, closeTag := m[1], m[2], m[3]
		if openTag != closeTag {
			// Malformed block (mismatched markers); drop it rather than guess.
			return ""
		}
		if task.AgentKind(openTag) == current {
			return inner
		}
		return ""
	})
}

// loadAgentsFile reads AGENTS.md from the task directory, falling back to
// the project root. Returns "" if neither exists.
func loadAgentsFile(taskDir, projectRoot string) string {
	for _, dir := range []string{taskDir, projectRoot} {
		if dir == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, AgentsFilename))
		if err == nil {
			return string(data)
		}
	}
	return ""
}

// Build assembles the final prompt for one iteration.
func (b *Builder) Build(ctx Context) (string, error) {
	tmpl, err := b.locateTemplate()
	if err != nil {
		return "", err
	}

	tmpl = applyAgentBlocks(tmpl, ctx.Agent)
	tmpl = substituteVariables(tmpl, ctx)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task directory: %s\n", ctx.TaskDir)
	fmt.Fprintf(&sb, "PRD: %s\n", ctx.PRDFile)
	fmt.Fprintf(&sb, "Progress log: %s\n\n", ctx.ProgressFile)

	if agentsMD := loadAgentsFile(b.Locations.TaskDir, b.Locations.ProjectRoot); agentsMD != "" {
		sb.WriteString("## Project Context\n\n")
		sb.WriteString(strings.TrimRight(agentsMD, "\n"))
		sb.WriteString("\n\n")
	}

	sb.WriteString(strings.TrimRight(tmpl, "\n"))
	sb.WriteString("\n")

	return sb.String(), nil
}

// FirstRunSetup returns the section prepended once, on iteration 1, naming
// the worktree path, branch, task description, and completion counts, and
// telling the agent to run environment bootstrap.
func FirstRunSetup(worktreePath, branch, description string, passing, total int) string {
	var sb strings.Builder
	sb.WriteString("## First-Run Setup\n\n")
	fmt.Fprintf(&sb, "Worktree: %s\n", worktreePath)
	fmt.Fprintf(&sb, "Branch: %s\n", branch)
	fmt.Fprintf(&sb, "Task: %s\n", description)
	fmt.Fprintf(&sb, "Stories passing: %d/%d\n\n", passing, total)
	sb.WriteString("This is the first iteration. Run any environment bootstrap steps ")
	sb.WriteString("(install dependencies, build, run the existing test suite) before ")
	sb.WriteString("starting work on the next story.\n\n")
	return sb.String()
}
