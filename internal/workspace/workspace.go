// Package workspace manages the bare-repo cache and per-loop git worktrees
// that isolate concurrent loop executions from one another. Layout:
//
//	<root>/<project>/bare.git                   — shared bare clone
//	<root>/<project>/checkouts/<task>-<id>/      — one worktree per loop
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind distinguishes the taxonomy of workspace failures so callers can react
// differently (retry vs. surface to the user vs. abort the loop).
type Kind string

const (
	KindOriginUnreachable Kind = "origin_unreachable"
	KindBranchNotFound    Kind = "branch_not_found"
	KindOriginMismatch    Kind = "origin_mismatch"
	KindDiskFull          Kind = "disk_full"
	KindGeneric           Kind = "workspace_error"
)

// Error is a classified workspace failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MinFreeBytes is the pre-flight free-space requirement before clone or
// worktree creation.
const MinFreeBytes = 100 * 1024 * 1024

// WorktreeInfo describes an allocated worktree, returned to the
// WorkspaceManager only when the owning loop terminates.
type WorktreeInfo struct {
	Path        string
	ProjectName string
	Branch      string
	WorktreeID  string
	BareRepo    string
}

// Manager owns the on-disk bare-repo cache rooted at Dir.
type Manager struct {
	Dir string
}

// New creates a Manager rooted at dir.
func New(dir string) *Manager {
	return &Manager{Dir: dir}
}

var sshURLPattern = regexp.MustCompile(`^[\w.-]+@[\w.-]+:(.+)$`)

// ResolveProjectName extracts the project name (last path component, minus
// any .git suffix) from an HTTPS, SSH, or local-path git origin URL.
func ResolveProjectName(origin string) (string, error) {
	if origin == "" {
		return "", fmt.Errorf("empty origin url")
	}

	var path string
	if m := sshURLPattern.FindStringSubmatch(origin); m != nil {
		path = m[1]
	} else if strings.HasPrefix(origin, "/") {
		path = origin
	} else if idx := strings.Index(origin, "://"); idx != -1 {
		rest := origin[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			path = rest[slash:]
		} else {
			path = ""
		}
	} else {
		path = origin
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", fmt.Errorf("could not extract project name from: %s", origin)
	}

	name := path
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		name = path[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")

	if name == "" {
		return "", fmt.Errorf("could not extract project name from: %s", origin)
	}
	return name, nil
}

func normalizeOriginURL(url string) string {
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return strings.ToLower(url)
}

func (m *Manager) barePath(project string) string {
	return filepath.Join(m.Dir, project, "bare.git")
}

func (m *Manager) checkoutsDir(project string) string {
	return filepath.Join(m.Dir, project, "checkouts")
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func checkDiskSpace(path string) error {
	check := path
	for {
		if _, err := os.Stat(check); err == nil {
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			return nil
		}
		check = parent
	}

	var stat statfsResult
	if err := diskFree(check, &stat); err != nil {
		return nil
	}
	if stat.free < MinFreeBytes {
		return newError(KindDiskFull, "insufficient disk space: %dMB available, need at least %dMB",
			stat.free/1024/1024, MinFreeBytes/1024/1024)
	}
	return nil
}

// SetupWorkspace idempotently ensures the bare repo for origin exists
// (cloning it if absent, validating URL equivalence otherwise), fetches
// branch into it, and creates a fresh worktree for taskName.
func (m *Manager) SetupWorkspace(ctx context.Context, origin, branch, taskName string) (*WorktreeInfo, error) {
	project, err := ResolveProjectName(origin)
	if err != nil {
		return nil, err
	}

	bare := m.barePath(project)

	if _, err := os.Stat(bare); err == nil {
		if err := m.validateOrigin(ctx, bare, origin); err != nil {
			return nil, err
		}
	} else {
		if err := m.cloneBare(ctx, origin, bare); err != nil {
			return nil, err
		}
	}

	if err := m.fetchBranch(ctx, bare, branch); err != nil {
		return nil, err
	}

	return m.createWorktree(ctx, bare, project, branch, taskName)
}

func (m *Manager) validateOrigin(ctx context.Context, bare, expected string) error {
	stdout, _, code, err := runGit(ctx, bare, "config", "--get", "remote.origin.url")
	if err != nil {
		return err
	}
	if code != 0 {
		return newError(KindOriginMismatch, "existing bare repo has no origin url configured: %s", bare)
	}
	existing := strings.TrimSpace(stdout)
	if normalizeOriginURL(existing) != normalizeOriginURL(expected) {
		return newError(KindOriginMismatch,
			"origin url mismatch for existing repository\n  existing: %s\n  requested: %s\n  bare repo: %s",
			existing, expected, bare)
	}
	return nil
}

func (m *Manager) cloneBare(ctx context.Context, origin, bare string) error {
	if err := checkDiskSpace(filepath.Dir(bare)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bare), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	stdout, stderr, code, err := runGit(ctx, filepath.Dir(bare), "clone", "--bare", "--", origin, bare)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}

	combined := stdout + stderr
	switch {
	case strings.Contains(combined, "Could not resolve host") || strings.Contains(combined, "unable to access"):
		return newError(KindOriginUnreachable, "cannot reach origin: %s\n%s", origin, strings.TrimSpace(stderr))
	case strings.Contains(combined, "No space left"):
		return newError(KindDiskFull, "disk full during clone: %s", strings.TrimSpace(stderr))
	case strings.Contains(combined, "Permission denied"):
		return newError(KindOriginUnreachable, "permission denied accessing: %s\n%s", origin, strings.TrimSpace(stderr))
	case strings.Contains(strings.ToLower(combined), "not found") || strings.Contains(strings.ToLower(combined), "does not exist"):
		return newError(KindOriginUnreachable, "repository not found: %s\n%s", origin, strings.TrimSpace(stderr))
	default:
		return newError(KindOriginUnreachable, "failed to clone %s: %s", origin, strings.TrimSpace(stderr))
	}
}

func (m *Manager) fetchBranch(ctx context.Context, bare, branch string) error {
	stdout, stderr, code, err := runGit(ctx, bare, "fetch", "origin", branch+":"+branch)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}

	combined := strings.ToLower(stdout + stderr)
	switch {
	case strings.Contains(combined, "couldn't find remote ref") || strings.Contains(combined, "not found"):
		return newError(KindBranchNotFound, "branch not found: %s\n%s", branch, strings.TrimSpace(stderr))
	case strings.Contains(combined, "could not resolve host") || strings.Contains(combined, "unable to access"):
		return newError(KindOriginUnreachable, "cannot reach origin during fetch\n%s", strings.TrimSpace(stderr))
	case strings.Contains(combined, "non-fast-forward"):
		return newError(KindGeneric, "fetch rejected: %s", strings.TrimSpace(stderr))
	default:
		// Tolerate "already up to date" and similar benign non-zero exits.
		return nil
	}
}

func (m *Manager) createWorktree(ctx context.Context, bare, project, branch, taskName string) (*WorktreeInfo, error) {
	checkouts := m.checkoutsDir(project)
	if err := checkDiskSpace(checkouts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(checkouts, 0o755); err != nil {
		return nil, fmt.Errorf("create checkouts dir: %w", err)
	}

	id := uuid.New().String()[:8]
	path := filepath.Join(checkouts, fmt.Sprintf("%s-%s", taskName, id))

	stdout, stderr, code, err := runGit(ctx, bare, "worktree", "add", path, branch)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		combined := strings.ToLower(stdout + stderr)
		switch {
		case strings.Contains(combined, "invalid reference") || strings.Contains(combined, "not a valid object"):
			return nil, newError(KindBranchNotFound, "branch not found for worktree: %s", branch)
		case strings.Contains(combined, "no space left"):
			return nil, newError(KindDiskFull, "disk full during worktree creation: %s", strings.TrimSpace(stderr))
		default:
			return nil, newError(KindGeneric, "failed to create worktree: %s", strings.TrimSpace(stderr))
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, newError(KindGeneric, "worktree path not created: %s", path)
	}

	return &WorktreeInfo{
		Path:        path,
		ProjectName: project,
		Branch:      branch,
		WorktreeID:  id,
		BareRepo:    bare,
	}, nil
}

// CleanupWorkspace removes a worktree, falling back to a forced directory
// removal if `git worktree remove` fails. Idempotent: a missing path is a
// no-op success.
func (m *Manager) CleanupWorkspace(ctx context.Context, info *WorktreeInfo) error {
	if _, err := os.Stat(info.Path); os.IsNotExist(err) {
		return nil
	}

	_, stderr, code, err := runGit(ctx, info.BareRepo, "worktree", "remove", "--force", info.Path)
	if err == nil && code == 0 {
		return nil
	}

	if rmErr := os.RemoveAll(info.Path); rmErr != nil {
		return fmt.Errorf("remove worktree %s: git error %q, fallback error %w", info.Path, strings.TrimSpace(stderr), rmErr)
	}
	return nil
}

// PruneStaleWorktrees runs `git worktree prune` in every bare repo under the
// workspace root. Invoked at daemon startup.
func (m *Manager) PruneStaleWorktrees(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bare := filepath.Join(m.Dir, entry.Name(), "bare.git")
		if _, err := os.Stat(bare); err != nil {
			continue
		}
		if _, _, code, err := runGit(ctx, bare, "worktree", "prune"); err == nil && code == 0 {
			pruned++
		}
	}
	return pruned, nil
}

