package privilege

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// EnvElevated is set on the relaunched process so it never relaunches again
const EnvElevated = "SYSTEMSET_ELEVATED"

// ErrElevationRequired means the run needs root and could not obtain it
var ErrElevationRequired = errors.New("elevated privileges required")

// Wrappers are the privilege-escalation commands tried, in order
var Wrappers = []string{"sudo", "doas"}

// Request describes what the run is about to do
type Request struct {
	Prefix    string
	TargetUID int
}

// Required reports whether req needs root: ownership changes to another
// account do, and so does a prefix the current process cannot write.
func Required(req Request) bool {
	if unix.Geteuid() == 0 {
		return false
	}
	if req.TargetUID != unix.Geteuid() {
		return true
	}
	return !writable(req.Prefix)
}

// writable checks the prefix, or its closest existing ancestor
func writable(p string) bool {
	p = filepath.Clean(p)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return unix.Access(p, unix.W_OK) == nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// AlreadyElevated reports whether this process is itself a relaunch
func AlreadyElevated(getenv func(string) string) bool {
	return getenv(EnvElevated) == "1"
}

// FindWrapper returns the path of the first available escalation command
func FindWrapper() (string, error) {
	for _, name := range Wrappers {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found in PATH: %w", Wrappers, ErrElevationRequired)
}

// Command builds the relaunch command: wrapper env SYSTEMSET_ELEVATED=1 exe args...
// Going through env(1) keeps the marker across both sudo and doas, which
// reset the environment.
func Command(ctx context.Context, wrapper, exe string, args []string) *exec.Cmd {
	argv := append([]string{"env", EnvElevated + "=1", exe}, args...)
	cmd := exec.CommandContext(ctx, wrapper, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Relaunch re-executes the running binary under wrapper and returns the exit
// code of the elevated child.
func Relaunch(ctx context.Context, wrapper string, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := Command(ctx, wrapper, exe, args)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("%s failed: %w", filepath.Base(wrapper), err)
	}
	return 0, nil
}
