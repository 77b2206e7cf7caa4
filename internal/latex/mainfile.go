package latex

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PreferredMainFiles break ties when several files declare \documentclass.
var PreferredMainFiles = []string{"main.tex", "ms.tex"}

// MainFileError reports that no single main file could be chosen.
type MainFileError struct {
	Candidates []string
}

func (e *MainFileError) Error() string {
	if len(e.Candidates) == 0 {
		return "no .tex file contains \\documentclass"
	}
	return fmt.Sprintf("ambiguous main .tex file, candidates: %s", strings.Join(e.Candidates, ", "))
}

// FindMainFile returns the single .tex file under dir that contains
// \documentclass. When several do, exactly one of them must carry a
// preferred basename.
func FindMainFile(dir string) (string, error) {
	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".tex") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if bytes.Contains(data, []byte(`\documentclass`)) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan source tree: %w", err)
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		return "", &MainFileError{}
	case 1:
		return candidates[0], nil
	}

	var preferred []string
	for _, c := range candidates {
		base := filepath.Base(c)
		for _, name := range PreferredMainFiles {
			if base == name {
				preferred = append(preferred, c)
				break
			}
		}
	}
	if len(preferred) == 1 {
		return preferred[0], nil
	}
	return "", &MainFileError{Candidates: candidates}
}
