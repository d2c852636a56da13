package deploy

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majo/systemset/internal/account"
	"github.com/majo/systemset/internal/config"
	"github.com/majo/systemset/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testAccount stands in for "majo" with the uid/gid of the test process so
// ownership changes succeed without root.
func testAccount() *account.Account {
	return &account.Account{Name: "majo", UID: os.Getuid(), GID: os.Getgid()}
}

func newTestDeployer(t *testing.T, src, prefix string, mutate func(c *config.Config)) *Deployer {
	t.Helper()
	cfg := &config.Config{
		Source:   config.SourceConfig{Root: src},
		Deploy:   config.DeployConfig{Prefix: prefix, User: "majo", Mode: config.ModeCopy},
		Platform: "linux",
	}
	if mutate != nil {
		mutate(cfg)
	}

	d := New(cfg, testLogger())
	d.lookupAccount = func(name string) (*account.Account, error) {
		if name != "majo" {
			return nil, account.ErrUnknownUser
		}
		return testAccount(), nil
	}
	return d
}

func fileOwner(t *testing.T, path string) uint32 {
	t.Helper()
	info, err := os.Lstat(path)
	require.NoError(t, err)
	st, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok, "no stat_t for %s", path)
	return st.Uid
}

// listFiles returns every non-directory below root as slash paths
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func TestDeploy_Hostname(t *testing.T) {
	src := t.TempDir()
	prefix := filepath.Join(t.TempDir(), "mnt", "gentoo")
	testutil.WriteTree(t, src, map[string]string{
		"etc/hostname": "box\n",
	})

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
	assert.Equal(t, 1, report.Count(OutcomeDeployed))

	dest := filepath.Join(prefix, "etc", "hostname")
	assert.Equal(t, "box\n", testutil.ReadFile(t, prefix, "etc/hostname"))
	assert.Equal(t, uint32(os.Getuid()), fileOwner(t, dest))
}

func TestDeploy_HomeMapping(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"home/.zshrc":                "export EDITOR=vim\n",
		"home/.config/nvim/init.lua": "vim.o.number = true\n",
	})

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())

	assert.Equal(t, []string{
		"home/majo/.config/nvim/init.lua",
		"home/majo/.zshrc",
	}, listFiles(t, prefix))

	for _, dir := range []string{"home/majo", "home/majo/.config", "home/majo/.config/nvim"} {
		assert.Equal(t, uint32(os.Getuid()), fileOwner(t, filepath.Join(prefix, dir)), dir)
	}
}

func TestDeploy_Idempotent(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/hostname":          "box\n",
		"etc/portage/make.conf": "MAKEOPTS=\"-j8\"\n",
		"home/.zshrc":           "export EDITOR=vim\n",
	})
	d := newTestDeployer(t, src, prefix, nil)

	_, err := d.Deploy(context.Background())
	require.NoError(t, err)
	first := listFiles(t, prefix)

	report, err := d.Deploy(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())

	assert.Equal(t, first, listFiles(t, prefix))
	assert.Equal(t, "MAKEOPTS=\"-j8\"\n", testutil.ReadFile(t, prefix, "etc/portage/make.conf"))
}

func TestDeploy_OverwritesExisting(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"etc/hostname": "box\n"})
	testutil.WriteTree(t, prefix, map[string]string{"etc/hostname": "old-name\nextra line\n"})
	require.NoError(t, os.Chmod(filepath.Join(prefix, "etc", "hostname"), 0o444))

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())

	assert.Equal(t, "box\n", testutil.ReadFile(t, prefix, "etc/hostname"))
	assert.Equal(t, []string{"etc/hostname"}, listFiles(t, prefix), "no backups or temp files left behind")
}

func TestDeploy_MirrorsMode(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"usr/local/bin/mount-gentoo": "#!/bin/sh\n",
		"etc/conf.d/secret":          "token\n",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "usr", "local", "bin", "mount-gentoo"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(src, "etc", "conf.d", "secret"), 0o600))

	_, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(prefix, "usr", "local", "bin", "mount-gentoo"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(prefix, "etc", "conf.d", "secret"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())
}

func TestDeploy_PlatformFiltering(t *testing.T) {
	files := map[string]string{
		"etc/hostname":            "box\n",
		"home/.zshrc":             "shared\n",
		"@linux/etc/fstab":        "/dev/nvme0n1p2 / ext4 defaults 0 1\n",
		"@darwin/Library/x.plist": "<plist/>",
	}

	tests := []struct {
		platform string
		want     []string
	}{
		{
			platform: "linux",
			want:     []string{"etc/fstab", "etc/hostname", "home/majo/.zshrc"},
		},
		{
			platform: "darwin",
			want:     []string{"Library/x.plist", "Users/majo/.zshrc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			src := t.TempDir()
			prefix := t.TempDir()
			testutil.WriteTree(t, src, files)

			d := newTestDeployer(t, src, prefix, func(c *config.Config) { c.Platform = tt.platform })
			report, err := d.Deploy(context.Background())
			require.NoError(t, err)
			require.True(t, report.Clean())

			assert.Equal(t, tt.want, listFiles(t, prefix))
			for _, skip := range report.Skipped {
				assert.ErrorIs(t, skip.Reason, ErrPlatformMismatch)
			}
		})
	}
}

func TestDeploy_PlatformTreeWins(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/portage/make.conf":        "shared\n",
		"@linux/etc/portage/make.conf": "linux\n",
	})

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "linux\n", testutil.ReadFile(t, prefix, "etc/portage/make.conf"))
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0].Reason, ErrShadowed)
	assert.True(t, report.Skipped[0].Entry.Shared())
}

func TestDeploy_ContinuesAfterFailure(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/hostname":          "box\n",
		"etc/portage/make.conf": "MAKEOPTS=\"-j8\"\n",
	})
	// a directory where a file should go cannot be replaced by rename
	testutil.WriteTree(t, prefix, map[string]string{"etc/hostname/keep": "x"})

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Clean())
	failed := report.Filter(OutcomeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, filepath.Join(prefix, "etc", "hostname"), failed[0].Action.Dest)

	var fileErr *FileError
	assert.ErrorAs(t, failed[0].Err, &fileErr)

	assert.Equal(t, 1, report.Count(OutcomeDeployed))
	assert.Equal(t, "MAKEOPTS=\"-j8\"\n", testutil.ReadFile(t, prefix, "etc/portage/make.conf"))
}

func TestDeploy_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}

	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"etc/hostname": "box\n"})
	require.NoError(t, os.Chmod(prefix, 0o555))
	t.Cleanup(func() { _ = os.Chmod(prefix, 0o755) })

	report, err := newTestDeployer(t, src, prefix, nil).Deploy(context.Background())
	require.NoError(t, err)

	failed := report.Filter(OutcomeFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrPermission)
	assert.Empty(t, listFiles(t, prefix))
}

func TestDeploy_UnknownUser(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"etc/hostname": "box\n"})

	d := newTestDeployer(t, src, prefix, func(c *config.Config) { c.Deploy.User = "doesnotexist" })
	report, err := d.Deploy(context.Background())

	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, account.ErrUnknownUser)
	assert.Nil(t, report)
	assert.Empty(t, listFiles(t, prefix), "nothing may be written")
}

func TestDeploy_MissingSource(t *testing.T) {
	prefix := t.TempDir()
	d := newTestDeployer(t, filepath.Join(t.TempDir(), "missing"), prefix, nil)

	_, err := d.Deploy(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = newTestDeployer(t, file, prefix, nil).Deploy(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeploy_DryRun(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"etc/hostname": "box\n",
		"home/.zshrc":  "export EDITOR=vim\n",
	})

	d := newTestDeployer(t, src, prefix, func(c *config.Config) { c.Deploy.DryRun = true })
	report, err := d.Deploy(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.Count(OutcomeSkipped))
	assert.Empty(t, listFiles(t, prefix))
}

func TestDeploy_Symlink(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"etc/hostname": "box\n"})
	testutil.WriteTree(t, prefix, map[string]string{"etc/hostname": "old\n"})

	d := newTestDeployer(t, src, prefix, func(c *config.Config) { c.Deploy.Mode = config.ModeSymlink })
	for i := 0; i < 2; i++ {
		report, err := d.Deploy(context.Background())
		require.NoError(t, err)
		require.True(t, report.Clean())
	}

	dest := filepath.Join(prefix, "etc", "hostname")
	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(src, "etc", "hostname"), target)
	assert.Equal(t, "box\n", testutil.ReadFile(t, prefix, "etc/hostname"))
	assert.Equal(t, uint32(os.Getuid()), fileOwner(t, dest))
}

func TestDeploy_Cancelled(t *testing.T) {
	src := t.TempDir()
	prefix := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"etc/hostname": "box\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestDeployer(t, src, prefix, nil).Deploy(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listFiles(t, prefix))
}

func TestMissingDirs(t *testing.T) {
	root := t.TempDir()

	missing, existing, err := missingDirs(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, root, existing)
	assert.Equal(t, []string{filepath.Join(root, "a", "b"), filepath.Join(root, "a")}, missing)

	missing, existing, err = missingDirs(root)
	require.NoError(t, err)
	assert.Equal(t, root, existing)
	assert.Empty(t, missing)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/mnt/gentoo/home/majo", "/mnt/gentoo/home/majo"))
	assert.True(t, within("/mnt/gentoo/home/majo/.config", "/mnt/gentoo/home/majo"))
	assert.False(t, within("/mnt/gentoo/home/majority", "/mnt/gentoo/home/majo"))
	assert.False(t, within("/mnt/gentoo/home", "/mnt/gentoo/home/majo"))
}

func TestFileError(t *testing.T) {
	err := fileError("rename", "/etc/hostname", &fs.PathError{Op: "rename", Path: "/etc/hostname", Err: syscall.EACCES})
	assert.ErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Contains(t, err.Error(), "rename /etc/hostname")

	err = fileError("rename", "/etc/hostname", syscall.EISDIR)
	assert.NotErrorIs(t, err, ErrPermission)

	assert.NoError(t, fileError("rename", "/etc/hostname", nil))
}
