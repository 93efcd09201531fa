package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ralphloop/ralph/internal/github"
)

// TokenSource supplies a short-lived GitHub App installation token for
// authenticated pushes. *github.TokenManager satisfies this.
type TokenSource interface {
	Token() (string, error)
}

// NewPush builds the push callback driver.Config.Push expects: `git push`
// the worktree's branch to origin, authenticated via tokens when tokens is
// non-nil, falling back to ambient git credentials (SSH agent, credential
// helper) otherwise. Grounded on controller/init.go's cloneRepository, which
// authenticates the same way: a one-off `credential.helper` that echoes the
// installation token from an environment variable git itself reads, since
// GitHub App installation tokens require the "x-access-token" username and
// a plain GITHUB_TOKEN env var has no meaning to git's push transport.
func NewPush(tokens TokenSource) func(ctx context.Context, workDir, branch string) error {
	return func(ctx context.Context, workDir, branch string) error {
		args := []string{}
		var tokenEnv string
		if tokens != nil {
			token, err := tokens.Token()
			if err != nil {
				return fmt.Errorf("resolve push token: %w", err)
			}
			credentialHelper := `!f() { echo username=x-access-token; echo "password=$GIT_PUSH_TOKEN"; }; f`
			args = append(args, "-c", fmt.Sprintf("credential.helper=%s", credentialHelper))
			tokenEnv = token
		}
		args = append(args, "push", "-u", "origin", branch)

		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = workDir
		if tokenEnv != "" {
			cmd.Env = append(os.Environ(), "GIT_PUSH_TOKEN="+tokenEnv)
		}
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git push %s: %w (output: %s)", branch, err, string(out))
		}
		return nil
	}
}

var _ TokenSource = (*github.TokenManager)(nil)
