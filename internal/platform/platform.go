package platform

import (
	"path"
	"strings"
)

// TagPrefix marks a top-level source directory as belonging to one platform,
// e.g. "@darwin".
const TagPrefix = "@"

// Platform describes how a host lays out the files deployed onto it
type Platform struct {
	Name string
	// HomeBase is the directory holding user home directories.
	HomeBase string
	// SharedRoots limits which untagged top-level directories are deployed.
	// A nil slice deploys all of them.
	SharedRoots []string
}

var builtin = map[string]Platform{
	"linux": {
		Name:     "linux",
		HomeBase: "/home",
	},
	"darwin": {
		Name:        "darwin",
		HomeBase:    "/Users",
		SharedRoots: []string{"home"},
	},
}

// Lookup returns the platform descriptor for name. Unknown names get a
// Linux-like layout so other unix hosts still deploy shared files.
func Lookup(name string) Platform {
	if p, ok := builtin[name]; ok {
		// copy so callers can override SharedRoots without touching builtin
		p.SharedRoots = append([]string(nil), p.SharedRoots...)
		return p
	}
	return Platform{Name: name, HomeBase: "/home"}
}

// AllowsShared reports whether the untagged top-level directory root is
// deployed on this platform.
func (p Platform) AllowsShared(root string) bool {
	if p.SharedRoots == nil {
		return true
	}
	for _, r := range p.SharedRoots {
		if r == root {
			return true
		}
	}
	return false
}

// HomeDir returns the home directory of user under prefix, e.g.
// /mnt/gentoo/home/majo.
func (p Platform) HomeDir(prefix, user string) string {
	if prefix == "" {
		prefix = "/"
	}
	return path.Join(prefix, p.HomeBase, user)
}

// IsTag reports whether a directory name is a platform tag
func IsTag(name string) bool {
	return len(name) > len(TagPrefix) && strings.HasPrefix(name, TagPrefix)
}

// TagName strips the tag prefix from a directory name
func TagName(dir string) string {
	return strings.TrimPrefix(dir, TagPrefix)
}
