package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/majo/systemset/internal/account"
	"github.com/majo/systemset/internal/config"
	"github.com/majo/systemset/internal/tree"
)

// Deployer places a source tree onto a target filesystem
type Deployer struct {
	cfg           *config.Config
	logger        *slog.Logger
	lookupAccount func(name string) (*account.Account, error)
}

// New creates a deployer for cfg
func New(cfg *config.Config, logger *slog.Logger) *Deployer {
	return &Deployer{
		cfg:           cfg,
		logger:        logger,
		lookupAccount: account.Lookup,
	}
}

// Plan checks the run's preconditions and computes its actions. Nothing on
// the target is touched.
func (d *Deployer) Plan() (*Plan, error) {
	root, err := filepath.Abs(d.cfg.SourceRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", root, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", root, ErrNotFound)
	}

	acct, err := d.lookupAccount(d.cfg.Deploy.User)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	entries, err := tree.Discover(root, d.cfg.Deploy.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to discover source files: %w", err)
	}

	target := Target{
		Prefix:   d.cfg.Deploy.Prefix,
		Account:  acct,
		Platform: d.cfg.ResolvePlatform(),
	}
	plan := BuildPlan(entries, target)

	d.logger.Info("deployment plan",
		"root", root,
		"prefix", target.Prefix,
		"user", acct.Name,
		"platform", target.Platform.Name,
		"files", len(plan.Actions),
		"skipped", len(plan.Skipped))
	for _, skip := range plan.Skipped {
		d.logger.Debug("skipping entry", "source", skip.Entry.Source, "reason", skip.Reason)
	}

	return plan, nil
}

// Deploy places every planned file. A failing file is recorded and the run
// moves on; only precondition failures and cancellation return an error.
func (d *Deployer) Deploy(ctx context.Context) (*Report, error) {
	plan, err := d.Plan()
	if err != nil {
		return nil, err
	}

	report := &Report{Skipped: plan.Skipped}
	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if d.cfg.Deploy.DryRun {
			d.logger.Info("[dry-run] would deploy", "dest", action.Dest, "source", action.Entry.Source)
			report.add(action, OutcomeSkipped, nil)
			continue
		}

		if err := d.apply(plan.Target, action); err != nil {
			d.logger.Error("failed to deploy file", "dest", action.Dest, "error", err)
			report.add(action, OutcomeFailed, err)
			continue
		}

		d.logger.Debug("deployed file", "dest", action.Dest)
		report.add(action, OutcomeDeployed, nil)
	}

	d.logger.Info("deployment finished",
		"deployed", report.Count(OutcomeDeployed),
		"failed", report.Count(OutcomeFailed),
		"dry_run", d.cfg.Deploy.DryRun)

	return report, nil
}

// apply places one file: parents, content, ownership, mode.
func (d *Deployer) apply(target Target, action Action) error {
	if err := d.ensureParents(target, filepath.Dir(action.Dest)); err != nil {
		return err
	}

	owner := owner{uid: target.Account.UID, gid: target.Account.GID}
	if d.cfg.Deploy.Mode == config.ModeSymlink {
		return placeSymlink(action.Entry.Source, action.Dest, owner)
	}
	return placeCopy(action.Entry.Source, action.Dest, owner)
}

// ensureParents creates the destination directory with mode 0755. Directories
// created inside the target user's home are handed to that user.
func (d *Deployer) ensureParents(target Target, dir string) error {
	missing, existing, err := missingDirs(dir)
	if err != nil {
		return fileError("stat", dir, err)
	}

	if err := unix.Access(existing, unix.W_OK); err != nil {
		return fileError("access", existing, err)
	}

	if len(missing) == 0 {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fileError("mkdir", dir, err)
	}

	home := target.HomeDir()
	for _, created := range missing {
		if !within(created, home) {
			continue
		}
		if err := os.Lchown(created, target.Account.UID, target.Account.GID); err != nil {
			return fileError("chown", created, err)
		}
	}

	return nil
}

// missingDirs walks up from dir and returns the directories that do not exist
// yet (deepest first) along with the closest existing ancestor.
func missingDirs(dir string) ([]string, string, error) {
	var missing []string
	p := filepath.Clean(dir)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return missing, p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		missing = append(missing, p)

		parent := filepath.Dir(p)
		if parent == p {
			return nil, "", err
		}
		p = parent
	}
}

// within reports whether p is dir or lies below it
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}
