package deploy

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const tempPattern = ".systemset-tmp-*"

type owner struct {
	uid int
	gid int
}

// preservedBits are the source mode bits mirrored onto the destination
const preservedBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// placeCopy copies src to dst through a temp file and an atomic rename, so an
// existing destination is always replaced and never partially written.
func placeCopy(src, dst string, o owner) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fileError("open", src, err)
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fileError("stat", src, err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return fileError("create", dst, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return fileError("copy", dst, err)
	}

	// chown first: it clears setuid/setgid bits set before it
	if err := tmpFile.Chown(o.uid, o.gid); err != nil {
		_ = tmpFile.Close()
		return fileError("chown", dst, err)
	}

	if err := tmpFile.Chmod(srcInfo.Mode() & preservedBits); err != nil {
		_ = tmpFile.Close()
		return fileError("chmod", dst, err)
	}

	if err := tmpFile.Close(); err != nil {
		return fileError("close", dst, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fileError("rename", dst, err)
	}

	return nil
}

// placeSymlink points dst at src, replacing whatever dst was.
func placeSymlink(src, dst string, o owner) error {
	// reserve a unique name next to dst, then swap the file for a link
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return fileError("create", dst, err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	if err := os.Remove(tmpPath); err != nil {
		return fileError("remove", tmpPath, err)
	}

	if err := os.Symlink(src, tmpPath); err != nil {
		return fileError("symlink", dst, err)
	}
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := os.Lchown(tmpPath, o.uid, o.gid); err != nil {
		return fileError("chown", dst, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fileError("rename", dst, err)
	}

	return nil
}
