package planner

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// MaxTreeBytes caps the file-tree excerpt included in planning prompts.
const MaxTreeBytes = 64 * 1024

const treeTruncationMarker = "... (truncated)"

// skippedDirs are never descended into when building the tree excerpt.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// BuildFileTree renders an indented listing of a repository for the planning
// prompt, capped at 64 KB. Hidden directories and dependency trees are
// skipped. Errors yield an empty string; the planner works fine without a
// tree.
func BuildFileTree(root string) string {
	return buildFileTree(root, MaxTreeBytes)
}

func buildFileTree(root string, limit int) string {
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
			return filepath.SkipDir
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))
		line := strings.Repeat("  ", depth) + name
		if d.IsDir() {
			line += "/"
		}

		if b.Len()+len(line)+1+len(treeTruncationMarker) > limit {
			b.WriteString(treeTruncationMarker)
			return fs.SkipAll
		}
		b.WriteString(line)
		b.WriteByte('\n')
		return nil
	})
	if err != nil {
		return ""
	}
	return b.String()
}
