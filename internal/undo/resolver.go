package undo

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// ErrScriptNotFound means no undo script is registered for a version. This is
// a distinct condition from script execution failure: some versions are
// legitimately no-op, others are missing coverage by omission. The caller
// decides which by consulting its no-op whitelist.
var ErrScriptNotFound = errors.New("undo script not found")

var fileRe = regexp.MustCompile(`^U([0-9][0-9A-Za-z.]*)__([a-zA-Z0-9_\-]+)\.sql$`)

// Resolver locates hand-authored undo scripts named U<version>__<name>.sql
// under a directory or embedded filesystem.
type Resolver struct {
	fsys fs.FS
	root string
	noop map[string]struct{}
}

// NewResolver resolves scripts from a directory on local disk.
func NewResolver(dir string, noopVersions []string) *Resolver {
	return NewFSResolver(os.DirFS(dir), ".", noopVersions)
}

// NewFSResolver resolves scripts from any fs.FS (embed.FS included).
func NewFSResolver(fsys fs.FS, root string, noopVersions []string) *Resolver {
	noop := make(map[string]struct{}, len(noopVersions))
	for _, v := range noopVersions {
		noop[strings.ToLower(v)] = struct{}{}
	}
	if root == "" {
		root = "."
	}
	return &Resolver{fsys: fsys, root: root, noop: noop}
}

// Noop reports whether the version is whitelisted as requiring no undo action.
func (r *Resolver) Noop(version string) bool {
	_, ok := r.noop[strings.ToLower(version)]
	return ok
}

// Resolve returns the parsed undo script for a version, or ErrScriptNotFound
// if none is registered.
func (r *Resolver) Resolve(version string) (*Script, error) {
	entries, err := fs.ReadDir(r.fsys, r.root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != version {
			continue
		}
		path := e.Name()
		if r.root != "." {
			path = r.root + "/" + e.Name()
		}
		raw, err := fs.ReadFile(r.fsys, path)
		if err != nil {
			return nil, err
		}
		return newScript(version, m[2], path, raw), nil
	}
	return nil, ErrScriptNotFound
}

// Available lists every version that has a registered undo script.
func (r *Resolver) Available() ([]string, error) {
	entries, err := fs.ReadDir(r.fsys, r.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m := fileRe.FindStringSubmatch(e.Name()); m != nil {
			out = append(out, m[1])
		}
	}
	return out, nil
}
