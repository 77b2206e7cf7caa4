// Package images locates images referenced by a converted document,
// measures them and uploads them to storage.
package images

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Kind is the outcome of a lookup.
type Kind int

const (
	NotFound Kind = iota
	Resolved
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	}
	return "not_found"
}

// Result of looking up one image path among the source files.
type Result struct {
	Kind       Kind
	Path       string
	Candidates []string
}

// AmbiguousError reports a path that matches several files.
type AmbiguousError struct {
	Target     string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("image %q matches %d files: %s", e.Target, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// Err returns an *AmbiguousError for an ambiguous result and nil otherwise.
func (r Result) Err() error {
	if r.Kind != Ambiguous {
		return nil
	}
	return &AmbiguousError{Target: r.Path, Candidates: r.Candidates}
}

// Match reports whether target names fullPath. The target must sit at the
// end of the path on a component boundary. A target without an extension
// also matches the same path with one extension added.
func Match(fullPath, target string) bool {
	fullPath = strings.ReplaceAll(fullPath, `\`, "/")
	target = strings.TrimPrefix(strings.ReplaceAll(target, `\`, "/"), "./")
	if target == "" {
		return false
	}
	if matchSuffix(fullPath, target) {
		return true
	}
	if strings.Contains(path.Base(target), ".") {
		return false
	}
	dot := strings.LastIndexByte(fullPath, '.')
	if dot < 0 || dot < strings.LastIndexByte(fullPath, '/') || dot == len(fullPath)-1 {
		return false
	}
	return matchSuffix(fullPath[:dot], target)
}

func matchSuffix(p, target string) bool {
	if !strings.HasSuffix(p, target) {
		return false
	}
	i := len(p) - len(target)
	return i == 0 || p[i-1] == '/'
}

// Find looks target up among files.
func Find(files []string, target string) Result {
	var found []string
	for _, f := range files {
		if Match(f, target) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return Result{Kind: NotFound, Path: target}
	case 1:
		return Result{Kind: Resolved, Path: found[0], Candidates: found}
	}
	return Result{Kind: Ambiguous, Path: target, Candidates: found}
}

// ListFiles returns every regular file under dir as a slash-separated path
// relative to dir, sorted.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
