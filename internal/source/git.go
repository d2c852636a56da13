package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Fetcher makes a remote configuration repository available locally
type Fetcher interface {
	// Checkout clones or updates url into dir at ref and returns the commit
	Checkout(ctx context.Context, url, ref, dir string) (string, error)
}

// GitFetcher implements Fetcher with the git command
type GitFetcher struct {
	sshKeyFile string
}

// NewGitFetcher creates a fetcher; sshKeyFile may be empty
func NewGitFetcher(sshKeyFile string) *GitFetcher {
	return &GitFetcher{sshKeyFile: sshKeyFile}
}

// Checkout clones dir on first use, fetches afterwards, and force-checks out
// ref. Local edits in the checkout are discarded.
func (g *GitFetcher) Checkout(ctx context.Context, url, ref, dir string) (string, error) {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	cloned := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to inspect checkout: %w", err)
	}

	if !cloned {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := g.run(ctx, url, "clone", "--no-checkout", url, dir); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else if err := g.run(ctx, url, "-C", dir, "fetch", "--tags", "origin"); err != nil {
		return "", fmt.Errorf("git fetch failed: %w", err)
	}

	// branches resolve through origin/, tags and hashes directly
	if err := g.run(ctx, "", "-C", dir, "checkout", "-f", ref); err != nil {
		if err := g.run(ctx, "", "-C", dir, "checkout", "-f", "origin/"+ref); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
		}
	}
	if cloned {
		// move a stale local branch to the fetched commit; fails harmlessly for tags
		_ = g.run(ctx, "", "-C", dir, "reset", "--hard", "origin/"+ref)
	}

	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes git with args; remote is the URL being contacted, if any
func (g *GitFetcher) run(ctx context.Context, remote string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if g.sshKeyFile != "" && isSSH(remote) {
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCommand(g.sshKeyFile))
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func isSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// sshCommand builds GIT_SSH_COMMAND with the key path shell-quoted.
func sshCommand(keyFile string) string {
	quoted := "'" + strings.ReplaceAll(keyFile, "'", `'\''`) + "'"
	return "ssh -i " + quoted + " -o StrictHostKeyChecking=accept-new -F /dev/null"
}
