package deploy

import (
	"path/filepath"
	"strings"

	"github.com/majo/systemset/internal/account"
	"github.com/majo/systemset/internal/platform"
	"github.com/majo/systemset/internal/tree"
)

// Target is where and for whom a tree is deployed
type Target struct {
	Prefix   string
	Account  *account.Account
	Platform platform.Platform
}

// HomeDir returns the target user's home directory under the prefix
func (t Target) HomeDir() string {
	return t.Platform.HomeDir(t.Prefix, t.Account.Name)
}

// Destination maps a relative source path to its absolute destination.
// home/<rest> lands in the target user's home, everything else directly
// under the prefix.
func (t Target) Destination(rel string) string {
	if rest, ok := strings.CutPrefix(rel, "home/"); ok {
		return filepath.Join(t.HomeDir(), filepath.FromSlash(rest))
	}
	return filepath.Join(t.Prefix, filepath.FromSlash(rel))
}

// Action is one file to place
type Action struct {
	Entry tree.Entry
	Dest  string
}

// Skip is an entry left out of the plan and why
type Skip struct {
	Entry  tree.Entry
	Reason error
}

// Plan is the set of actions computed for one run
type Plan struct {
	Target  Target
	Actions []Action
	Skipped []Skip
}

// BuildPlan filters entries for the target platform and maps each remaining
// entry to its destination. When a shared entry and a platform entry land on
// the same destination the platform entry wins.
func BuildPlan(entries []tree.Entry, target Target) *Plan {
	plan := &Plan{Target: target}
	byDest := make(map[string]int)

	for _, entry := range entries {
		if !applies(entry, target.Platform) {
			plan.Skipped = append(plan.Skipped, Skip{Entry: entry, Reason: ErrPlatformMismatch})
			continue
		}

		action := Action{Entry: entry, Dest: target.Destination(entry.Relative)}

		idx, exists := byDest[action.Dest]
		if !exists {
			byDest[action.Dest] = len(plan.Actions)
			plan.Actions = append(plan.Actions, action)
			continue
		}

		current := plan.Actions[idx]
		if current.Entry.Shared() && !entry.Shared() {
			plan.Skipped = append(plan.Skipped, Skip{Entry: current.Entry, Reason: ErrShadowed})
			plan.Actions[idx] = action
		} else {
			plan.Skipped = append(plan.Skipped, Skip{Entry: entry, Reason: ErrShadowed})
		}
	}

	return plan
}

func applies(entry tree.Entry, p platform.Platform) bool {
	if !entry.Shared() {
		return entry.Tag == p.Name
	}
	return p.AllowsShared(entry.TopLevel())
}
