// Package patch parses and applies unified diffs against a directory.
// It backs the apply_patch tool: the session uses Targets to classify the
// writes, and the sandboxed `warden apply-patch` helper calls Apply.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

var (
	// ErrInvalidPatch is returned when the input is not a usable diff.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrApply is returned when a hunk does not apply to the current file contents.
	ErrApply = errors.New("patch does not apply")
)

// Op is the kind of change made to one file.
type Op string

const (
	OpAdd    Op = "A"
	OpModify Op = "M"
	OpDelete Op = "D"
	OpRename Op = "R"
)

// Change describes one applied file change. Paths are relative to the patch
// directory when possible.
type Change struct {
	Op      Op
	Path    string
	OldPath string // Set for renames.
}

func (c Change) String() string {
	if c.Op == OpRename {
		return fmt.Sprintf("%s %s -> %s", c.Op, c.OldPath, c.Path)
	}
	return fmt.Sprintf("%s %s", c.Op, c.Path)
}

// Parse reads a unified diff. Binary patches and empty input are rejected.
func Parse(patch string) ([]*gitdiff.File, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(patch))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file changes found", ErrInvalidPatch)
	}
	for _, f := range files {
		if f.IsBinary {
			return nil, fmt.Errorf("%w: binary patch for %s", ErrInvalidPatch, fileName(f))
		}
		oldName, newName := names(f)
		if (!f.IsNew && oldName == "") || (!f.IsDelete && newName == "") {
			return nil, fmt.Errorf("%w: missing file name", ErrInvalidPatch)
		}
	}
	return files, nil
}

// Targets returns the absolute, cleaned paths that applying files in dir
// would create, modify, or delete.
func Targets(files []*gitdiff.File, dir string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		p := resolve(dir, name)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, f := range files {
		oldName, newName := names(f)
		if !f.IsNew {
			add(oldName)
		}
		if !f.IsDelete {
			add(newName)
		}
	}
	sort.Strings(out)
	return out
}

type pending struct {
	change  Change
	target  string
	remove  string
	content []byte
	mode    os.FileMode
}

// Apply parses the diff read from r and applies it beneath dir. Every file is
// patched in memory first, so a hunk that fails to apply leaves the tree
// untouched.
func Apply(dir string, r io.Reader) ([]Change, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading patch: %w", err)
	}
	files, err := Parse(string(data))
	if err != nil {
		return nil, err
	}

	plan := make([]pending, 0, len(files))
	for _, f := range files {
		p, err := prepare(dir, f)
		if err != nil {
			return nil, err
		}
		plan = append(plan, p)
	}

	changes := make([]Change, 0, len(plan))
	for _, p := range plan {
		if p.target != "" {
			if err := os.MkdirAll(filepath.Dir(p.target), 0o755); err != nil {
				return changes, fmt.Errorf("creating directory for %s: %w", p.change.Path, err)
			}
			if err := os.WriteFile(p.target, p.content, p.mode); err != nil {
				return changes, fmt.Errorf("writing %s: %w", p.change.Path, err)
			}
		}
		if p.remove != "" {
			if err := os.Remove(p.remove); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return changes, fmt.Errorf("removing %s: %w", p.remove, err)
			}
		}
		changes = append(changes, p.change)
	}
	return changes, nil
}

func prepare(dir string, f *gitdiff.File) (pending, error) {
	oldName, newName := names(f)
	oldPath := resolve(dir, oldName)
	newPath := resolve(dir, newName)

	var src []byte
	mode := os.FileMode(0o644)
	if !f.IsNew {
		info, err := os.Stat(oldPath)
		if err != nil {
			return pending{}, fmt.Errorf("%w: %s: %w", ErrApply, oldName, err)
		}
		if !info.Mode().IsRegular() {
			return pending{}, fmt.Errorf("%w: %s is not a regular file", ErrApply, oldName)
		}
		mode = info.Mode().Perm()
		if src, err = os.ReadFile(oldPath); err != nil {
			return pending{}, fmt.Errorf("%w: %s: %w", ErrApply, oldName, err)
		}
	} else if _, err := os.Lstat(newPath); err == nil {
		return pending{}, fmt.Errorf("%w: %s already exists", ErrApply, newName)
	}
	if f.NewMode != 0 {
		mode = f.NewMode.Perm()
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), f); err != nil {
		return pending{}, fmt.Errorf("%w: %s: %w", ErrApply, fileName(f), err)
	}

	switch {
	case f.IsDelete:
		return pending{
			change: Change{Op: OpDelete, Path: relative(dir, oldPath)},
			remove: oldPath,
		}, nil
	case f.IsNew:
		return pending{
			change:  Change{Op: OpAdd, Path: relative(dir, newPath)},
			target:  newPath,
			content: out.Bytes(),
			mode:    mode,
		}, nil
	case f.IsRename || oldPath != newPath:
		p := pending{
			change:  Change{Op: OpRename, Path: relative(dir, newPath), OldPath: relative(dir, oldPath)},
			target:  newPath,
			content: out.Bytes(),
			mode:    mode,
		}
		if !f.IsCopy {
			p.remove = oldPath
		}
		return p, nil
	default:
		return pending{
			change:  Change{Op: OpModify, Path: relative(dir, newPath)},
			target:  newPath,
			content: out.Bytes(),
			mode:    mode,
		}, nil
	}
}

// names returns the old and new file names with the conventional a/ and b/
// prefixes of plain unified headers removed. Names from git headers are
// already stripped by the parser.
func names(f *gitdiff.File) (string, string) {
	oldName, newName := f.OldName, f.NewName
	oldHas := oldName == "" || strings.HasPrefix(oldName, "a/")
	newHas := newName == "" || strings.HasPrefix(newName, "b/")
	if oldHas && newHas && (oldName != "" || newName != "") {
		oldName = strings.TrimPrefix(oldName, "a/")
		newName = strings.TrimPrefix(newName, "b/")
	}
	return oldName, newName
}

func fileName(f *gitdiff.File) string {
	oldName, newName := names(f)
	if newName != "" {
		return newName
	}
	return oldName
}

func resolve(dir, name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(dir, name)
}

func relative(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
